// Package datasource defines how the gateway hands one unit of work to a subgraph.
//
// A DataSource processes a ProcessOptions envelope and returns a GraphQL
// response. The envelope is a closed sum type keyed by RequestKind: an
// *IncomingOperation carries the context of the client operation being served,
// while *HealthCheck and *LoadingSchema are issued by the gateway itself and
// carry no client context. Always switch on the concrete type (or Kind) before
// reading anything beyond Request.
package datasource
