package config

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// BytesString is a byte size written the human way, like 5MB or 512KiB.
type BytesString uint64

func (b BytesString) Uint64() uint64 {
	return uint64(b)
}

func (b BytesString) String() string {
	return humanize.Bytes(uint64(b))
}

func (b *BytesString) Decode(value string) error {
	decoded, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("could not parse bytes string: %w", err)
	}

	*b = BytesString(decoded)

	return nil
}

// UnmarshalText is used for environment variables and defaults.
func (b *BytesString) UnmarshalText(text []byte) error {
	return b.Decode(string(text))
}

func (b *BytesString) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return b.Decode(s)
}

func (b BytesString) MarshalYAML() (interface{}, error) {
	return humanize.Bytes(uint64(b)), nil
}
