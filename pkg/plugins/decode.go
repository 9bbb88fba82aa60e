package plugins

import (
	"fmt"
	"strings"

	"github.com/actiongraph/actiongraph/pkg/engine"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Decode converts a generic map into dst using its yaml tags, then checks
// its validate tags.
func Decode(src map[string]interface{}, dst interface{}) error {
	if src == nil {
		src = map[string]interface{}{}
	}
	raw, err := yaml.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to encode: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

// DecodeConfig decodes plugin configuration. Failures are configuration errors.
func DecodeConfig(plugin string, src map[string]interface{}, dst interface{}) error {
	if err := Decode(src, dst); err != nil {
		return engine.NewConfigurationError(fmt.Sprintf("invalid %s plugin configuration", plugin), err).
			WithDetail("plugin", plugin)
	}
	return nil
}

// DecodeSpec decodes the resolved spec of an action. Failures are
// configuration errors naming the action.
func DecodeSpec(action *engine.ResolvedAction, dst interface{}) error {
	if err := Decode(action.Spec(), dst); err != nil {
		return engine.NewConfigurationError(fmt.Sprintf("invalid spec for %s", action.Key()), err).
			WithAction(action.Key())
	}
	return nil
}

// Args is a command line. A YAML string is run through the shell, a list is
// run directly.
type Args []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Args) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		if s == "" {
			*a = nil
			return nil
		}
		*a = Args{"sh", "-c", s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*a = list
		return nil
	default:
		return fmt.Errorf("line %d: command must be a string or a list of strings", value.Line)
	}
}
