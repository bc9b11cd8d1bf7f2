package datasource

import (
	"fmt"
)

// RequestKind tells a DataSource why the gateway is dispatching a request.
type RequestKind uint8

const (
	// RequestKindIncomingOperation is a dispatch caused by a client operation flowing through the gateway.
	RequestKindIncomingOperation RequestKind = iota + 1
	// RequestKindHealthCheck is a dispatch caused by an internal subgraph health probe.
	RequestKindHealthCheck
	// RequestKindLoadingSchema is a dispatch caused by the gateway fetching a subgraph schema.
	RequestKindLoadingSchema
)

var requestKindNames = map[RequestKind]string{
	RequestKindIncomingOperation: "incoming operation",
	RequestKindHealthCheck:       "health check",
	RequestKindLoadingSchema:     "loading schema",
}

// RequestKinds returns every valid kind in declaration order.
func RequestKinds() []RequestKind {
	return []RequestKind{
		RequestKindIncomingOperation,
		RequestKindHealthCheck,
		RequestKindLoadingSchema,
	}
}

// ParseRequestKind returns the kind whose String value is s.
func ParseRequestKind(s string) (RequestKind, error) {
	for kind, name := range requestKindNames {
		if name == s {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRequestKind, s)
}

func (k RequestKind) IsValid() bool {
	_, ok := requestKindNames[k]
	return ok
}

func (k RequestKind) String() string {
	if name, ok := requestKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("RequestKind(%d)", uint8(k))
}

func (k RequestKind) MarshalText() ([]byte, error) {
	if !k.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRequestKind, uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *RequestKind) UnmarshalText(text []byte) error {
	kind, err := ParseRequestKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}
