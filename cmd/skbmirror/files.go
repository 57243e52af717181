package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
	"github.com/Mschirtzinger/skbmirror/internal/ui"
)

var filesCmd = &cobra.Command{
	Use:     "files",
	GroupID: "files",
	Short:   "Browse the mirror folder of a tenant",
}

var filesLsCmd = &cobra.Command{
	Use:   "ls [DIR]",
	Short: "List a mirror directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sub := ""
		if len(args) == 1 {
			sub = args[0]
		}
		a, err := openMirror()
		if err != nil {
			return err
		}
		entries, err := a.root.List(cfg.Tenant, sub)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			if entries == nil {
				entries = []mirrorfs.Entry{}
			}
			return json.NewEncoder(os.Stdout).Encode(entries)
		}
		for _, e := range entries {
			if e.IsDir {
				fmt.Println(ui.RenderAccent(e.Name + "/"))
				continue
			}
			fmt.Printf("%s  %s\n", e.Name, ui.RenderMuted(fmt.Sprintf("%d bytes", e.Size)))
		}
		return nil
	},
}

var filesCatCmd = &cobra.Command{
	Use:   "cat PATH",
	Short: "Print a mirror file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openMirror()
		if err != nil {
			return err
		}
		data, err := a.root.ReadFile(cfg.Tenant, args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var filesTreeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the mirror folder tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")
		a, err := openMirror()
		if err != nil {
			return err
		}
		nodes, err := a.root.Tree(cfg.Tenant, depth)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return json.NewEncoder(os.Stdout).Encode(nodes)
		}
		fmt.Println(ui.RenderHeader(cfg.Tenant + "/"))
		printTree(nodes, "")
		return nil
	},
}

func printTree(nodes []mirrorfs.TreeNode, indent string) {
	for i, n := range nodes {
		branch, next := "├── ", "│   "
		if i == len(nodes)-1 {
			branch, next = "└── ", "    "
		}
		name := n.Name
		if n.IsDir {
			name = ui.RenderAccent(name + "/")
		}
		fmt.Println(indent + branch + name)
		if len(n.Children) > 0 {
			printTree(n.Children, indent+next)
		}
	}
}

var filesSearchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Search mirror files for text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		a, err := openMirror()
		if err != nil {
			return err
		}
		m, err := a.meta.Load(cfg.Tenant)
		if err != nil {
			logger.Warn("Searching without page ids", "error", err)
			m = nil
		}
		results, err := a.root.Search(cfg.Tenant, strings.Join(args, " "), mirrorfs.SearchOptions{
			MaxResults: limit,
			PageID: func(rel string) string {
				if m == nil {
					return ""
				}
				e, _ := m.FindByPath(rel)
				return e.ID
			},
		})
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			if results == nil {
				results = []mirrorfs.SearchResult{}
			}
			return json.NewEncoder(os.Stdout).Encode(results)
		}
		if len(results) == 0 {
			fmt.Println("No matches")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%s %s\n", ui.RenderAccent(r.FilePath), ui.RenderMuted(fmt.Sprintf("(%d)", r.MatchCount)))
			for _, ex := range r.Excerpts {
				fmt.Printf("  %4d: %s\n", ex.Line, ex.Text)
			}
		}
		return nil
	},
}

func init() {
	filesCmd.PersistentFlags().Bool("json", false, "print JSON")
	filesTreeCmd.Flags().Int("depth", 5, "maximum depth")
	filesSearchCmd.Flags().Int("limit", 20, "maximum number of files")

	filesCmd.AddCommand(filesLsCmd, filesCatCmd, filesTreeCmd, filesSearchCmd)
	rootCmd.AddCommand(filesCmd)
}
