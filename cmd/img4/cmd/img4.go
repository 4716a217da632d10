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
	"github.com/apex/log"
	cmdimg4 "github.com/blacktop/img4/internal/commands/img4"
	"github.com/blacktop/img4/pkg/img4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(img4Cmd)

	img4Cmd.AddCommand(img4InfoCmd)
	img4Cmd.AddCommand(img4ExtractCmd)
	img4Cmd.AddCommand(img4CreateCmd)

	// Info command flags
	img4InfoCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	img4InfoCmd.MarkZshCompPositionalArgumentFile(1)
	viper.BindPFlag("img4.img4.info.json", img4InfoCmd.Flags().Lookup("json"))

	// Extract command flags
	img4ExtractCmd.Flags().BoolP("im4p", "p", false, "Extract the IM4P payload")
	img4ExtractCmd.Flags().BoolP("im4m", "m", false, "Extract the IM4M manifest")
	img4ExtractCmd.Flags().BoolP("im4r", "r", false, "Extract the IM4R restore info")
	img4ExtractCmd.Flags().StringP("output", "o", "", "Output file path")
	img4ExtractCmd.MarkFlagsMutuallyExclusive("im4p", "im4m", "im4r")
	img4ExtractCmd.MarkFlagsOneRequired("im4p", "im4m", "im4r")
	img4ExtractCmd.MarkFlagFilename("output")
	img4ExtractCmd.MarkZshCompPositionalArgumentFile(1)
	viper.BindPFlag("img4.img4.extract.im4p", img4ExtractCmd.Flags().Lookup("im4p"))
	viper.BindPFlag("img4.img4.extract.im4m", img4ExtractCmd.Flags().Lookup("im4m"))
	viper.BindPFlag("img4.img4.extract.im4r", img4ExtractCmd.Flags().Lookup("im4r"))
	viper.BindPFlag("img4.img4.extract.output", img4ExtractCmd.Flags().Lookup("output"))

	// Create command flags
	img4CreateCmd.Flags().StringP("im4p", "p", "", "IM4P payload file")
	img4CreateCmd.Flags().StringP("im4m", "m", "", "IM4M manifest file, IMG4 or SHSH blob (required)")
	img4CreateCmd.Flags().StringP("im4r", "r", "", "IM4R restore info file")
	img4CreateCmd.Flags().StringP("generator", "g", "", "Boot nonce generator to build the IM4R from")
	img4CreateCmd.Flags().StringP("output", "o", "", "Output IMG4 file path (required)")
	img4CreateCmd.MarkFlagRequired("im4m")
	img4CreateCmd.MarkFlagRequired("output")
	img4CreateCmd.MarkFlagsMutuallyExclusive("im4r", "generator")
	img4CreateCmd.MarkFlagFilename("im4p")
	img4CreateCmd.MarkFlagFilename("im4m")
	img4CreateCmd.MarkFlagFilename("im4r")
	img4CreateCmd.MarkFlagFilename("output")
	viper.BindPFlag("img4.img4.create.im4p", img4CreateCmd.Flags().Lookup("im4p"))
	viper.BindPFlag("img4.img4.create.im4m", img4CreateCmd.Flags().Lookup("im4m"))
	viper.BindPFlag("img4.img4.create.im4r", img4CreateCmd.Flags().Lookup("im4r"))
	viper.BindPFlag("img4.img4.create.generator", img4CreateCmd.Flags().Lookup("generator"))
	viper.BindPFlag("img4.img4.create.output", img4CreateCmd.Flags().Lookup("output"))
}

// img4Cmd represents the img4 command group
var img4Cmd = &cobra.Command{
	Use:   "img4",
	Short: "IMG4 container operations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// img4InfoCmd represents the img4 info command
var img4InfoCmd = &cobra.Command{
	Use:     "info <IMG4|IM4P|IM4M|IM4R>",
	Aliases: []string{"i"},
	Short:   "Display any Image4 file",
	Example: heredoc.Doc(`
		# Detect and display an Image4 file
		❯ img4 img4 info kernelcache.img4`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		obj, err := img4.Open(filepath.Clean(args[0]))
		if err != nil {
			return fmt.Errorf("failed to parse %s: %v", args[0], err)
		}
		log.Debugf("detected %s", obj.Type())
		if viper.GetBool("img4.img4.info.json") {
			return printJSON(obj)
		}
		fmt.Println(obj)
		return nil
	},
}

// img4ExtractCmd represents the img4 extract command
var img4ExtractCmd = &cobra.Command{
	Use:     "extract <IMG4>",
	Aliases: []string{"e"},
	Short:   "Extract a component of an IMG4",
	Example: heredoc.Doc(`
		# Extract the payload
		❯ img4 img4 extract --im4p kernelcache.img4

		# Extract the manifest
		❯ img4 img4 extract --im4m --output apticket.der kernelcache.img4`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		filePath := filepath.Clean(args[0])
		outputPath := viper.GetString("img4.img4.extract.output")

		obj, err := img4.Open(filePath)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %v", filePath, err)
		}
		i, ok := obj.(*img4.IMG4)
		if !ok {
			return fmt.Errorf("%s is an %s, not an IMG4", filePath, obj.Type())
		}

		var (
			part img4.Object
			ext  string
		)
		switch {
		case viper.GetBool("img4.img4.extract.im4p"):
			if i.IM4P == nil {
				return fmt.Errorf("IMG4 has no payload")
			}
			part, ext = i.IM4P, ".im4p"
		case viper.GetBool("img4.img4.extract.im4m"):
			part, ext = i.IM4M, ".im4m"
		case viper.GetBool("img4.img4.extract.im4r"):
			if i.IM4R == nil {
				return fmt.Errorf("IMG4 has no restore info")
			}
			part, ext = i.IM4R, ".im4r"
		}

		data, err := part.Output()
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", part.Type(), err)
		}
		if len(outputPath) == 0 {
			outputPath = defaultOutput(filePath, ext)
		}
		return writeOutput(outputPath, fmt.Sprintf("Extracting %s", part.Type()), data)
	},
}

// img4CreateCmd represents the img4 create command
var img4CreateCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create IMG4 file from components",
	Example: heredoc.Doc(`
		# Personalize a kernelcache with an SHSH blob
		❯ img4 img4 create --im4p kernelcache.im4p --im4m 1234567890.shsh2 --generator 0x1111111111111111 --output kernelcache.img4

		# Wrap an APTicket and restore info without a payload
		❯ img4 img4 create --im4m apticket.der --im4r restore.im4r --output ticket.img4`),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		payloadPath := viper.GetString("img4.img4.create.im4p")
		restoreInfoPath := viper.GetString("img4.img4.create.im4r")
		generator := viper.GetString("img4.img4.create.generator")

		m, err := cmdimg4.OpenManifest(filepath.Clean(viper.GetString("img4.img4.create.im4m")))
		if err != nil {
			return err
		}

		i := img4.NewIMG4(nil, m, nil)
		if len(payloadPath) > 0 {
			if i.IM4P, err = cmdimg4.OpenPayload(filepath.Clean(payloadPath)); err != nil {
				return err
			}
		}
		switch {
		case len(restoreInfoPath) > 0:
			if i.IM4R, err = cmdimg4.OpenRestoreInfo(filepath.Clean(restoreInfoPath)); err != nil {
				return err
			}
		case len(generator) > 0:
			if i.IM4R, err = cmdimg4.CreateRestoreInfo(generator); err != nil {
				return err
			}
		}

		data, err := i.Output()
		if err != nil {
			return fmt.Errorf("failed to create IMG4: %v", err)
		}
		return writeOutput(filepath.Clean(viper.GetString("img4.img4.create.output")), "Created IMG4", data)
	},
}
