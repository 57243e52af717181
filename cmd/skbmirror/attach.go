package main

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/skbmirror/internal/ui"
)

var attachCmd = &cobra.Command{
	Use:     "attach PAGE FILE",
	GroupID: "files",
	Short:   "Store a file as a page attachment",
	Long: `Copy FILE into the page's assets folder and record it in the database.

The printed relative path can be used as a Markdown link or image target
inside the page file.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pageID, file := args[0], args[1]
		user, _ := cmd.Flags().GetString("user")

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(file))
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stored, err := a.attachments().StoreAttachment(cmd.Context(), cfg.Tenant, pageID, user, filepath.Base(file), data, mimeType)
		if err != nil {
			return err
		}
		fmt.Printf("%s Attached %s\n", ui.RenderPass("✓"), filepath.Base(stored.AbsPath))
		fmt.Printf("   Id: %s\n", stored.AttachmentID)
		fmt.Printf("   Link: %s\n", stored.RelativePath)
		return nil
	},
}

func init() {
	attachCmd.Flags().String("user", "", "uploader user id")
	rootCmd.AddCommand(attachCmd)
}
