/*
Copyright © 2018-2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/img4/internal/colors"
	cmdimg4 "github.com/blacktop/img4/internal/commands/img4"
	"github.com/blacktop/img4/pkg/shsh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(shshCmd)

	shshCmd.AddCommand(shshInfoCmd)
	shshCmd.AddCommand(shshDumpCmd)

	// Info command flags
	shshInfoCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	shshInfoCmd.MarkZshCompPositionalArgumentFile(1, "*.shsh", "*.shsh2")
	viper.BindPFlag("img4.shsh.info.json", shshInfoCmd.Flags().Lookup("json"))

	// Dump command flags
	shshDumpCmd.Flags().StringP("output", "o", "", "Folder to write the SHSH blob to")
	shshDumpCmd.MarkFlagDirname("output")
	shshDumpCmd.MarkZshCompPositionalArgumentFile(1)
	viper.BindPFlag("img4.shsh.dump.output", shshDumpCmd.Flags().Lookup("output"))
}

// shshCmd represents the shsh command group
var shshCmd = &cobra.Command{
	Use:   "shsh",
	Short: "SHSH blob operations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// shshInfoCmd represents the shsh info command
var shshInfoCmd = &cobra.Command{
	Use:     "info <SHSH>",
	Aliases: []string{"i"},
	Short:   "Display SHSH blob information",
	Example: heredoc.Doc(`
		# Display an SHSH blob's generator and APTicket
		❯ img4 shsh info 1234567890_iPhone13,2_d27ap_16.0_20A362.shsh2`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(filepath.Clean(args[0]))
		if err != nil {
			return fmt.Errorf("failed to read %s: %v", args[0], err)
		}
		blob, err := shsh.Parse(data)
		if err != nil {
			return err
		}
		m, err := blob.Manifest()
		if err != nil {
			return fmt.Errorf("failed to parse APTicket: %v", err)
		}

		if viper.GetBool("img4.shsh.info.json") {
			return printJSON(&struct {
				Generator      string `json:"generator,omitempty"`
				GeneratorKnown bool   `json:"generator_known"`
				Manifest       any    `json:"manifest"`
			}{
				Generator:      blob.Generator,
				GeneratorKnown: blob.GeneratorKnown(),
				Manifest:       m,
			})
		}

		switch {
		case len(blob.Generator) == 0:
			log.Warn("SHSH blob has no generator")
		case blob.GeneratorKnown():
			fmt.Printf("Generator: %s %s\n", blob.Generator, colors.Green().Sprint("(well known)"))
		default:
			fmt.Printf("Generator: %s\n", blob.Generator)
		}
		fmt.Println(m)
		return nil
	},
}

// shshDumpCmd represents the shsh dump command
var shshDumpCmd = &cobra.Command{
	Use:     "dump <IMG4>",
	Aliases: []string{"d"},
	Short:   "Convert a raw personalized IMG4 dump into an SHSH blob",
	Example: heredoc.Doc(`
		# Convert an apticket dumped from a device
		❯ img4 shsh dump --output blobs/ apticket.der`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		folder := viper.GetString("img4.shsh.dump.output")
		if len(folder) == 0 {
			folder = "."
		}
		log.Info("Dumping SHSH blob")
		_, err := cmdimg4.DumpSHSH(filepath.Clean(args[0]), filepath.Clean(folder))
		return err
	},
}
