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
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	cmdimg4 "github.com/blacktop/img4/internal/commands/img4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(im4rCmd)

	im4rCmd.AddCommand(im4rInfoCmd)
	im4rCmd.AddCommand(im4rCreateCmd)

	// Info command flags
	im4rInfoCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	im4rInfoCmd.MarkZshCompPositionalArgumentFile(1)
	viper.BindPFlag("img4.im4r.info.json", im4rInfoCmd.Flags().Lookup("json"))

	// Create command flags
	im4rCreateCmd.Flags().StringP("generator", "g", "", "Boot nonce generator, e.g. 0x1111111111111111 (required)")
	im4rCreateCmd.Flags().StringP("output", "o", "", "Output file path (required)")
	im4rCreateCmd.MarkFlagRequired("generator")
	im4rCreateCmd.MarkFlagRequired("output")
	im4rCreateCmd.MarkFlagFilename("output")
	viper.BindPFlag("img4.im4r.create.generator", im4rCreateCmd.Flags().Lookup("generator"))
	viper.BindPFlag("img4.im4r.create.output", im4rCreateCmd.Flags().Lookup("output"))
}

// im4rCmd represents the im4r command group
var im4rCmd = &cobra.Command{
	Use:     "im4r",
	Aliases: []string{"r"},
	Short:   "IM4R restore info operations",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// im4rInfoCmd represents the im4r info command
var im4rInfoCmd = &cobra.Command{
	Use:           "info <IM4R|IMG4>",
	Aliases:       []string{"i"},
	Short:         "Display IM4R restore information",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := cmdimg4.OpenRestoreInfo(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		if viper.GetBool("img4.im4r.info.json") {
			return printJSON(r)
		}
		fmt.Println(r)
		return nil
	},
}

// im4rCreateCmd represents the im4r create command
var im4rCreateCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create IM4R restore info holding a boot nonce",
	Example: heredoc.Doc(`
		# Create restore info for a well known generator
		❯ img4 im4r create --generator 0x1111111111111111 --output restore.im4r`),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := cmdimg4.CreateRestoreInfo(viper.GetString("img4.im4r.create.generator"))
		if err != nil {
			return err
		}
		data, err := r.Output()
		if err != nil {
			return fmt.Errorf("failed to marshal IM4R: %v", err)
		}
		return writeOutput(filepath.Clean(viper.GetString("img4.im4r.create.output")), "Created IM4R", data)
	},
}
