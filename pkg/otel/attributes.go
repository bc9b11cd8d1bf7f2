package otel

import "go.opentelemetry.io/otel/attribute"

const (
	WgOperationName  = attribute.Key("wg.operation.name")
	WgOperationType  = attribute.Key("wg.operation.type")
	WgComponentName  = attribute.Key("wg.component.name")
	WgSubgraphName   = attribute.Key("wg.subgraph.name")
	WgRequestKind    = attribute.Key("wg.request.kind")
	WgRequestError   = attribute.Key("wg.request.error")
	WgHttpStatusCode = attribute.Key("wg.http.status_code")
	WgConnReused     = attribute.Key("wg.http.client.connection.reused")
	WgHost           = attribute.Key("wg.http.client.host")
)

var (
	DispatcherAttribute        = WgComponentName.String("dispatcher")
	SubgraphTransportAttribute = WgComponentName.String("subgraph-transport")
)
