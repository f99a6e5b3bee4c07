package main

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/cataldij/quotacache/config"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the configuration file",
	Long: `Print a JSON Schema describing quotacache.yaml.

Editors can use it for completion and validation of config files.

Examples:
  quotacache schema > quotacache.schema.json
  quotacache schema --compact`,
	Args: cobra.NoArgs,
	RunE: runSchema,
}

var schemaCompact bool

func init() {
	rootCmd.AddCommand(schemaCmd)

	schemaCmd.Flags().BoolVar(&schemaCompact, "compact", false, "compact JSON output (no indentation)")
}

func runSchema(cmd *cobra.Command, args []string) error {
	schema := configSchema()

	encoder := json.NewEncoder(cmd.OutOrStdout())
	if !schemaCompact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}

func configSchema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		// Property names follow the YAML keys.
		FieldNameTag:               "yaml",
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
		Mapper:                     durationAsString,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.Title = "quotacache configuration"
	schema.Description = "Configuration file for the quotacache service"
	return schema
}

// durationAsString describes time.Duration the way YAML accepts it ("30s").
func durationAsString(t reflect.Type) *jsonschema.Schema {
	if t != reflect.TypeOf(time.Duration(0)) {
		return nil
	}
	return &jsonschema.Schema{
		Type:    "string",
		Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
	}
}
