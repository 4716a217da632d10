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
	"maps"
	"path/filepath"
	"slices"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/img4/internal/colors"
	cmdimg4 "github.com/blacktop/img4/internal/commands/img4"
	"github.com/blacktop/img4/internal/utils"
	"github.com/blacktop/img4/pkg/img4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(im4mCmd)

	im4mCmd.AddCommand(im4mInfoCmd)
	im4mCmd.AddCommand(im4mExtractCmd)
	im4mCmd.AddCommand(im4mVerifyCmd)

	// Info command flags
	im4mInfoCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	im4mInfoCmd.MarkZshCompPositionalArgumentFile(1)
	viper.BindPFlag("img4.im4m.info.json", im4mInfoCmd.Flags().Lookup("json"))

	// Extract command flags
	im4mExtractCmd.Flags().StringP("output", "o", "", "Output file path")
	im4mExtractCmd.MarkFlagFilename("output")
	im4mExtractCmd.MarkZshCompPositionalArgumentFile(1)
	viper.BindPFlag("img4.im4m.extract.output", im4mExtractCmd.Flags().Lookup("output"))

	// Verify command flags
	im4mVerifyCmd.Flags().StringP("build-manifest", "b", "", "BuildManifest.plist to verify against (required)")
	im4mVerifyCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	im4mVerifyCmd.MarkFlagRequired("build-manifest")
	im4mVerifyCmd.MarkFlagFilename("build-manifest", "plist")
	im4mVerifyCmd.MarkZshCompPositionalArgumentFile(1)
	viper.BindPFlag("img4.im4m.verify.build-manifest", im4mVerifyCmd.Flags().Lookup("build-manifest"))
	viper.BindPFlag("img4.im4m.verify.json", im4mVerifyCmd.Flags().Lookup("json"))
}

// im4mCmd represents the im4m command group
var im4mCmd = &cobra.Command{
	Use:     "im4m",
	Aliases: []string{"m"},
	Short:   "IM4M manifest operations",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// im4mInfoCmd represents the im4m info command
var im4mInfoCmd = &cobra.Command{
	Use:     "info <IM4M|IMG4|SHSH>",
	Aliases: []string{"i"},
	Short:   "Display IM4M manifest information",
	Example: heredoc.Doc(`
		# Display an APTicket
		❯ img4 im4m info apticket.der

		# Display the manifest of an SHSH blob as JSON
		❯ img4 im4m info --json 1234567890.shsh2`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := cmdimg4.OpenManifest(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		if viper.GetBool("img4.im4m.info.json") {
			return printJSON(m)
		}
		fmt.Println(m)
		return nil
	},
}

// im4mExtractCmd represents the im4m extract command
var im4mExtractCmd = &cobra.Command{
	Use:     "extract <IMG4|SHSH>",
	Aliases: []string{"e"},
	Short:   "Extract IM4M manifest from IMG4 or SHSH blob",
	Example: heredoc.Doc(`
		# Extract the APTicket from an SHSH blob
		❯ img4 im4m extract --output apticket.der 1234567890.shsh2`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		filePath := filepath.Clean(args[0])
		outputPath := viper.GetString("img4.im4m.extract.output")
		if len(outputPath) == 0 {
			outputPath = defaultOutput(filePath, ".im4m")
		}

		m, err := cmdimg4.OpenManifest(filePath)
		if err != nil {
			return err
		}
		data, err := m.Output()
		if err != nil {
			return fmt.Errorf("failed to marshal IM4M: %v", err)
		}
		return writeOutput(outputPath, "Extracting IM4M", data)
	},
}

// im4mVerifyCmd represents the im4m verify command
var im4mVerifyCmd = &cobra.Command{
	Use:     "verify <IM4M|IMG4|SHSH>",
	Aliases: []string{"v"},
	Short:   "Verify IM4M manifest against a BuildManifest",
	Long: heredoc.Doc(`
		Find the build identity an APTicket was issued for.

		An identity matches when its ApChipID and ApBoardID equal the
		manifest's and every component digest it lists is present in the
		manifest. The signature is NOT checked.`),
	Example: heredoc.Doc(`
		# Verify an SHSH blob against an IPSW's BuildManifest
		❯ img4 im4m verify --build-manifest BuildManifest.plist 1234567890.shsh2`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := cmdimg4.OpenManifest(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		bm, err := cmdimg4.OpenBuildManifest(filepath.Clean(viper.GetString("img4.im4m.verify.build-manifest")))
		if err != nil {
			return err
		}

		if chip, ok := m.ChipID(); ok {
			log.WithField("soc", img4.SoCName(chip)).Infof("Verifying manifest against %s (%s)", bm.ProductVersion, bm.ProductBuildVersion)
		}

		verdict, err := img4.NewManifestVerifier(bm).Verify(m)
		if err != nil {
			return fmt.Errorf("verification failed: %v", err)
		}

		if viper.GetBool("img4.im4m.verify.json") {
			return printJSON(verdict)
		}

		for _, idx := range slices.Sorted(maps.Keys(verdict.Rejections)) {
			utils.Indent(log.Debug, 2)(fmt.Sprintf("Build identity %d is missing %v", idx, verdict.Rejections[idx]))
		}

		if !verdict.Matched {
			fmt.Printf("%s ✗ manifest does not match any build identity\n", colors.BoldHiRed().Sprint("FAILED:"))
			return fmt.Errorf("no build identity matched")
		}

		fmt.Printf("%s ✓ manifest matches build identity %d\n", colors.BoldHiGreen().Sprint("SUCCESS:"), verdict.Index)
		utils.Indent(log.WithFields(log.Fields{
			"device":   verdict.DeviceClass,
			"build":    verdict.BuildNumber,
			"behavior": verdict.RestoreBehavior,
		}).Info, 2)(verdict.Variant)
		return nil
	},
}
