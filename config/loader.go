package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadConfigFromFile decodes the TOML file at configPath on top of cfg.
// Unknown keys are reported through warn (pass nil to discard them) so that
// typos surface without aborting a cron run.
func LoadConfigFromFile(configPath string, cfg *Config, warn func(format string, args ...any)) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 && warn != nil {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		warn("configuration file '%s' contains unknown keys that will be ignored: %s",
			configPath, strings.Join(keys, ", "))
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Remove or comment out the second occurrence", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "incompatible types") {
		return fmt.Errorf("%w\n\nHINT: A value has the wrong type. Numbers such as 'maximum' and\n"+
			"'sweep_batch_size' must be unquoted, 'mailboxes' and 'paths' must be arrays", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Check quoting, balanced brackets and section headers ([section])", err)
	}

	return err
}

// trimStringFields trims surrounding whitespace from every string reachable from v.
func trimStringFields(v reflect.Value) {
	if !v.IsValid() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	case reflect.Interface:
		// Port fields may hold either a string or an integer.
		if !v.IsNil() && v.CanSet() && v.Elem().Kind() == reflect.String {
			v.Set(reflect.ValueOf(strings.TrimSpace(v.Elem().String())))
		}
	}
}
