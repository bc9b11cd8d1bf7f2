package httpdatasource

import (
	"github.com/wundergraph/graphql-go-tools/v2/pkg/ast"
	"github.com/wundergraph/graphql-go-tools/v2/pkg/astparser"

	"github.com/wundergraph/cosmo/dispatch/pkg/datasource"
)

const (
	OperationTypeQuery        = "query"
	OperationTypeMutation     = "mutation"
	OperationTypeSubscription = "subscription"
)

// OperationType returns the type of the operation selected by the request,
// or "" if the document cannot be parsed or the operation is not found.
func OperationType(req *datasource.Request) string {
	if req == nil {
		return ""
	}

	doc, report := astparser.ParseGraphqlDocumentString(req.Query)
	if report.HasErrors() {
		return ""
	}

	ref := ast.InvalidRef
	for _, node := range doc.RootNodes {
		if node.Kind != ast.NodeKindOperationDefinition {
			continue
		}
		if req.OperationName == "" || doc.OperationDefinitionNameString(node.Ref) == req.OperationName {
			ref = node.Ref
			break
		}
	}
	if ref == ast.InvalidRef {
		return ""
	}

	switch doc.OperationDefinitions[ref].OperationType {
	case ast.OperationTypeQuery:
		return OperationTypeQuery
	case ast.OperationTypeMutation:
		return OperationTypeMutation
	case ast.OperationTypeSubscription:
		return OperationTypeSubscription
	default:
		return ""
	}
}
