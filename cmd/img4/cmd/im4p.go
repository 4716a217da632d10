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
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	cmdimg4 "github.com/blacktop/img4/internal/commands/img4"
	"github.com/blacktop/img4/internal/utils"
	"github.com/blacktop/img4/pkg/img4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(im4pCmd)

	im4pCmd.AddCommand(im4pInfoCmd)
	im4pCmd.AddCommand(im4pExtractCmd)
	im4pCmd.AddCommand(im4pCreateCmd)
	im4pCmd.AddCommand(im4pKbagCmd)

	// Info command flags
	im4pInfoCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	im4pInfoCmd.MarkZshCompPositionalArgumentFile(1)
	viper.BindPFlag("img4.im4p.info.json", im4pInfoCmd.Flags().Lookup("json"))

	// Extract command flags
	im4pExtractCmd.Flags().StringP("output", "o", "", "Output file path")
	im4pExtractCmd.Flags().BoolP("raw", "r", false, "Extract raw data (compressed/encrypted)")
	im4pExtractCmd.Flags().BoolP("extra", "e", false, "Extract extra data")
	im4pExtractCmd.Flags().BoolP("kbag", "b", false, "Extract keybags as JSON")
	im4pExtractCmd.Flags().String("iv-key", "", "AES iv+key for decryption")
	im4pExtractCmd.Flags().StringP("iv", "i", "", "AES iv for decryption")
	im4pExtractCmd.Flags().StringP("key", "k", "", "AES key for decryption")
	im4pExtractCmd.Flags().Bool("dev", false, "Key material is for the DEVELOPMENT keybag")
	im4pExtractCmd.MarkFlagFilename("output")
	im4pExtractCmd.MarkZshCompPositionalArgumentFile(1)
	viper.BindPFlag("img4.im4p.extract.output", im4pExtractCmd.Flags().Lookup("output"))
	viper.BindPFlag("img4.im4p.extract.raw", im4pExtractCmd.Flags().Lookup("raw"))
	viper.BindPFlag("img4.im4p.extract.extra", im4pExtractCmd.Flags().Lookup("extra"))
	viper.BindPFlag("img4.im4p.extract.kbag", im4pExtractCmd.Flags().Lookup("kbag"))
	viper.BindPFlag("img4.im4p.extract.iv-key", im4pExtractCmd.Flags().Lookup("iv-key"))
	viper.BindPFlag("img4.im4p.extract.iv", im4pExtractCmd.Flags().Lookup("iv"))
	viper.BindPFlag("img4.im4p.extract.key", im4pExtractCmd.Flags().Lookup("key"))
	viper.BindPFlag("img4.im4p.extract.dev", im4pExtractCmd.Flags().Lookup("dev"))

	// Create command flags
	im4pCreateCmd.Flags().StringP("type", "t", "", "Type FourCC (required)")
	im4pCreateCmd.Flags().StringP("description", "d", "", "Description string")
	im4pCreateCmd.Flags().StringP("output", "o", "", "Output file path")
	im4pCreateCmd.Flags().StringP("compress", "c", "none", fmt.Sprintf("Compress payload (none, %s)", strings.Join(img4.CompressionTypes, ", ")))
	im4pCreateCmd.RegisterFlagCompletionFunc("compress", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return append([]string{"none"}, img4.CompressionTypes...), cobra.ShellCompDirectiveDefault
	})
	im4pCreateCmd.Flags().StringP("extra", "e", "", "Extra data file to append (lzss only)")
	im4pCreateCmd.MarkFlagRequired("type")
	im4pCreateCmd.MarkFlagFilename("output")
	im4pCreateCmd.MarkFlagFilename("extra")
	im4pCreateCmd.MarkZshCompPositionalArgumentFile(1)
	viper.BindPFlag("img4.im4p.create.type", im4pCreateCmd.Flags().Lookup("type"))
	viper.BindPFlag("img4.im4p.create.description", im4pCreateCmd.Flags().Lookup("description"))
	viper.BindPFlag("img4.im4p.create.output", im4pCreateCmd.Flags().Lookup("output"))
	viper.BindPFlag("img4.im4p.create.compress", im4pCreateCmd.Flags().Lookup("compress"))
	viper.BindPFlag("img4.im4p.create.extra", im4pCreateCmd.Flags().Lookup("extra"))

	// Kbag command flags
	im4pKbagCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	im4pKbagCmd.Flags().StringP("pattern", "p", "", "Only IM4Ps whose path matches this regex")
	im4pKbagCmd.MarkZshCompPositionalArgumentFile(1, "*.ipsw", "*.zip")
	viper.BindPFlag("img4.im4p.kbag.json", im4pKbagCmd.Flags().Lookup("json"))
	viper.BindPFlag("img4.im4p.kbag.pattern", im4pKbagCmd.Flags().Lookup("pattern"))
}

// im4pCmd represents the im4p command group
var im4pCmd = &cobra.Command{
	Use:     "im4p",
	Aliases: []string{"p"},
	Short:   "IM4P payload operations",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// im4pInfoCmd represents the im4p info command
var im4pInfoCmd = &cobra.Command{
	Use:     "info <IM4P|IMG4>",
	Aliases: []string{"i"},
	Short:   "Display IM4P information",
	Example: heredoc.Doc(`
		# Display IM4P information
		❯ img4 im4p info kernelcache.im4p

		# Output as JSON
		❯ img4 im4p info --json kernelcache.im4p`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		im4p, err := cmdimg4.OpenPayload(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		if viper.GetBool("img4.im4p.info.json") {
			return printJSON(im4p)
		}
		fmt.Println(im4p)
		return nil
	},
}

// im4pExtractCmd represents the im4p extract command
var im4pExtractCmd = &cobra.Command{
	Use:     "extract <IM4P|IMG4>",
	Aliases: []string{"e"},
	Short:   "Extract IM4P data",
	Long:    "Extract IM4P payload data, its extra data or its keybags.",
	Example: heredoc.Doc(`
		# Extract decompressed payload data
		❯ img4 im4p extract kernelcache.im4p

		# Extract extra data (if present)
		❯ img4 im4p extract --extra kernelcache.im4p

		# Extract keybags as JSON
		❯ img4 im4p extract --kbag iBoot.im4p

		# Decrypt and extract payload
		❯ img4 im4p extract --iv 1234... --key 5678... iBoot.im4p

		# Extract to specific output file
		❯ img4 im4p extract --output kernel.bin kernelcache.im4p`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// flags
		outputPath := viper.GetString("img4.im4p.extract.output")
		rawExtract := viper.GetBool("img4.im4p.extract.raw")
		extractExtra := viper.GetBool("img4.im4p.extract.extra")
		extractKbag := viper.GetBool("img4.im4p.extract.kbag")
		kbType := img4.PRODUCTION
		if viper.GetBool("img4.im4p.extract.dev") {
			kbType = img4.DEVELOPMENT
		}
		// validate flags
		if extractExtra && extractKbag {
			return fmt.Errorf("cannot specify both --extra and --kbag")
		}
		kb, err := cmdimg4.ParseKeybag(
			viper.GetString("img4.im4p.extract.iv-key"),
			viper.GetString("img4.im4p.extract.iv"),
			viper.GetString("img4.im4p.extract.key"),
			kbType,
		)
		if err != nil {
			return err
		}
		if kb != nil && rawExtract {
			return fmt.Errorf("cannot use --raw with decryption")
		}

		filePath := filepath.Clean(args[0])

		im4p, err := cmdimg4.OpenPayload(filePath)
		if err != nil {
			return err
		}

		if extractKbag {
			keybags := im4p.Payload.Keybags()
			if len(keybags) == 0 {
				return fmt.Errorf("no keybags found in IM4P")
			}
			kbags := &struct {
				Name        string        `json:"name,omitempty"`
				Description string        `json:"description,omitempty"`
				Keybags     []img4.Keybag `json:"keybags,omitempty"`
			}{
				Name:        filepath.Base(filePath),
				Description: im4p.Description(),
				Keybags:     keybags,
			}
			if len(outputPath) == 0 {
				return printJSON(kbags)
			}
			dat, err := jsonIndent(kbags)
			if err != nil {
				return err
			}
			return writeOutput(outputPath, "Writing keybags JSON", dat)
		}

		data, extra, err := cmdimg4.ExtractPayload(im4p, kb, rawExtract)
		if err != nil {
			return err
		}

		switch {
		case extractExtra:
			if len(extra) == 0 {
				return fmt.Errorf("no extra data found in IM4P")
			}
			if len(outputPath) == 0 {
				outputPath = defaultOutput(filePath, ".extra")
			}
			return writeOutput(outputPath, "Extracting Extra Data", extra)
		case rawExtract:
			if len(outputPath) == 0 {
				outputPath = defaultOutput(filePath, ".raw")
			}
			return writeOutput(outputPath, "Extracting Raw Data", data)
		case kb != nil:
			if len(outputPath) == 0 {
				outputPath = defaultOutput(filePath, ".dec")
			}
			return writeOutput(outputPath, "Decrypting Payload", data)
		default:
			if len(outputPath) == 0 {
				outputPath = defaultOutput(filePath, ".payload")
			}
			if len(extra) > 0 {
				utils.Indent(log.Info, 2)(fmt.Sprintf("payload has %d bytes of extra data (use --extra to extract it)", len(extra)))
			}
			return writeOutput(outputPath, "Extracting Payload", data)
		}
	},
}

// im4pCreateCmd represents the im4p create command
var im4pCreateCmd = &cobra.Command{
	Use:     "create <input-file>",
	Aliases: []string{"c"},
	Short:   "Create IM4P payload from raw data",
	Example: heredoc.Doc(`
		# Create IM4P from kernel with LZSS compression
		❯ img4 im4p create --type krnl --compress lzss kernelcache.bin

		# Create IM4P with description and extra data
		❯ img4 im4p create --type rkrn --description "RestoreKernel" --compress lzss --extra extra.bin kernel.bin

		# Create uncompressed IM4P
		❯ img4 im4p create --type logo logo.png

		# Create with custom output path
		❯ img4 im4p create --type dtre --compress lzfse --output devicetree.im4p devicetree.bin`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// flags
		typ := viper.GetString("img4.im4p.create.type")
		description := viper.GetString("img4.im4p.create.description")
		outputPath := viper.GetString("img4.im4p.create.output")
		compressionType := viper.GetString("img4.im4p.create.compress")
		extraPath := viper.GetString("img4.im4p.create.extra")

		inputPath := filepath.Clean(args[0])
		if len(outputPath) == 0 {
			outputPath = inputPath + ".im4p"
		}

		data, err := os.ReadFile(inputPath)
		if err != nil {
			return fmt.Errorf("failed to read input file: %v", err)
		}

		var extraData []byte
		if len(extraPath) > 0 {
			extraData, err = os.ReadFile(extraPath)
			if err != nil {
				return fmt.Errorf("failed to read extra data file: %v", err)
			}
		}

		im4p, err := cmdimg4.CreatePayload(&cmdimg4.CreatePayloadConfig{
			Type:        typ,
			Description: description,
			Data:        data,
			ExtraData:   extraData,
			Compression: compressionType,
		})
		if err != nil {
			return fmt.Errorf("failed to create IM4P payload: %v", err)
		}

		im4pData, err := im4p.Output()
		if err != nil {
			return fmt.Errorf("failed to marshal IM4P payload: %v", err)
		}

		return writeOutput(outputPath, "Created IM4P", im4pData)
	},
}

// im4pKbagCmd represents the im4p kbag command
var im4pKbagCmd = &cobra.Command{
	Use:     "kbag <IPSW>",
	Aliases: []string{"k"},
	Short:   "Dump the keybags of every encrypted IM4P in an IPSW",
	Example: heredoc.Doc(`
		# Dump all keybags
		❯ img4 im4p kbag iPhone15,2_16.0_20A362_Restore.ipsw

		# Only iBoot keybags, as JSON
		❯ img4 im4p kbag --pattern 'iBoot' --json iPhone15,2_16.0_20A362_Restore.ipsw`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		zr, err := zip.OpenReader(filepath.Clean(args[0]))
		if err != nil {
			return fmt.Errorf("failed to open %s: %v", args[0], err)
		}
		defer zr.Close()

		log.Info("Parsing IM4P keybags")
		kbags, err := img4.ParseZipKeyBags(zr.File, viper.GetString("img4.im4p.kbag.pattern"))
		if err != nil {
			return err
		}

		if viper.GetBool("img4.im4p.kbag.json") {
			return printJSON(kbags)
		}
		fmt.Println(kbags)
		return nil
	},
}
