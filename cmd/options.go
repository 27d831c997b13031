package cmd

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/camcapture/internal/capture"

	"github.com/spf13/cobra"
)

var optionsCmd = &cobra.Command{
	Use:   "options",
	Short: "Show the selectable capture options",
	Long:  `Show the resolutions, bit rates and frame rates accepted by 'record' and the web server.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		out := cmd.OutOrStdout()

		switch output {
		case "yaml":
			data, err := yaml.Marshal(map[string]interface{}{
				"resolutions": capture.Resolutions,
				"bit_rates":   capture.BitRates,
				"frame_rates": capture.FrameRates,
			})
			if err != nil {
				return fmt.Errorf("error marshaling options: %w", err)
			}
			_, err = out.Write(data)
			return err
		case "text":
			printCatalog(out, "Resolutions", capture.Resolutions)
			printCatalog(out, "Bit rates", capture.BitRates)
			printCatalog(out, "Frame rates", capture.FrameRates)
			return nil
		default:
			return fmt.Errorf("unsupported output format: %s (valid: text, yaml)", output)
		}
	},
}

func printCatalog[T ~string](w io.Writer, title string, catalog []capture.Option[T]) {
	rows := make([][]string, 0, len(catalog))
	for _, o := range catalog {
		rows = append(rows, []string{string(o.Value), o.Label})
	}
	fmt.Fprintf(w, "%s\n%s\n\n", title, renderTable([]string{"Value", "Label"}, rows, nil))
}

func init() {
	optionsCmd.Flags().StringP("output", "o", "text", "output format: text, yaml")
}
