package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-yaml"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed config.schema.json
var JSONSchema string

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	c.RegisterFormat(&jsonschema.Format{Name: "go-duration", Validate: isGoDuration})
	c.RegisterFormat(&jsonschema.Format{Name: "bytes-string", Validate: isBytesString})
	c.RegisterFormat(&jsonschema.Format{Name: "http-url", Validate: isHttpURL})
	return c
}

// ValidateConfig validates the YAML document yamlData against the JSON schema.
func ValidateConfig(yamlData []byte, schema string) error {
	jsonData, err := yaml.YAMLToJSON(yamlData)
	if err != nil {
		return fmt.Errorf("failed to convert yaml to json: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		return fmt.Errorf("failed to decode config schema: %w", err)
	}

	c := newCompiler()
	if err := c.AddResource("config.schema.json", schemaDoc); err != nil {
		return err
	}

	sch, err := c.Compile("config.schema.json")
	if err != nil {
		return err
	}

	return sch.Validate(doc)
}

// isGoDuration validates that a string is a valid Go duration.
func isGoDuration(v any) error {
	val, ok := v.(string)
	if !ok {
		return nil
	}
	if _, err := time.ParseDuration(val); err != nil {
		return fmt.Errorf("invalid duration %q", val)
	}
	return nil
}

// isBytesString validates that a string is a byte size like 5MB.
func isBytesString(v any) error {
	val, ok := v.(string)
	if !ok {
		return nil
	}
	if _, err := humanize.ParseBytes(val); err != nil {
		return fmt.Errorf("invalid bytes string %q", val)
	}
	return nil
}

// isHttpURL validates that a string is an absolute http or https URL.
func isHttpURL(v any) error {
	val, ok := v.(string)
	if !ok {
		return nil
	}
	u, err := url.Parse(val)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must use the http or https scheme")
	}
	if u.Host == "" {
		return errors.New("url must have a host")
	}
	return nil
}
