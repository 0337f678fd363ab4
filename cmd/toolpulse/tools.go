package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/ToolPulse/internal/audit"
	"github.com/TobiSchelling/ToolPulse/internal/database"
	"github.com/TobiSchelling/ToolPulse/internal/reanalysis"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Manage the tool catalog",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		activeOnly, _ := cmd.Flags().GetBool("active")
		tools, err := db.ListTools(cmd.Context(), activeOnly)
		if err != nil {
			return err
		}
		edges, err := db.AliasEdges(cmd.Context())
		if err != nil {
			return err
		}

		if len(tools) == 0 {
			fmt.Println("No tools. Add one with: toolpulse tools add <id> <name>")
			return nil
		}
		for _, t := range tools {
			status := "active"
			if !t.IsActive {
				status = "inactive"
			}
			line := fmt.Sprintf("  %-20s %-24s [%s]", t.ID, t.Name, status)
			if primary, ok := edges[t.ID]; ok {
				line += " -> " + primary
			}
			if len(t.Keywords) > 0 {
				line += "  (" + strings.Join(t.Keywords, ", ") + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

var toolsAddCmd = &cobra.Command{
	Use:   "add [id] [name]",
	Short: "Add a tool to the catalog",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		keywords, _ := cmd.Flags().GetStringSlice("keywords")
		description, _ := cmd.Flags().GetString("description")

		id := strings.ToLower(strings.TrimSpace(args[0]))
		if err := db.InsertTool(cmd.Context(), id, args[1], description, keywords); err != nil {
			return fmt.Errorf("adding tool: %w", err)
		}
		fmt.Printf("Added tool %s: %s\n", id, args[1])
		return queueAfterCatalogChange(cmd, db, "tool "+id+" added")
	},
}

var toolsToggleCmd = &cobra.Command{
	Use:   "toggle [id]",
	Short: "Toggle a tool's active state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		tool, err := db.GetTool(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if tool == nil {
			return fmt.Errorf("tool %s not found", args[0])
		}

		if err := db.ToggleTool(cmd.Context(), tool.ID); err != nil {
			return err
		}
		newState := "disabled"
		if !tool.IsActive {
			newState = "enabled"
		}
		fmt.Printf("Tool %s %s\n", tool.ID, newState)
		return queueAfterCatalogChange(cmd, db, "tool "+tool.ID+" "+newState)
	},
}

var toolsAliasCmd = &cobra.Command{
	Use:   "alias [alias-id] [primary-id]",
	Short: "Make one tool an alias of another (--remove to delete the alias)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		remove, _ := cmd.Flags().GetBool("remove")
		if remove {
			if err := db.RemoveAlias(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed alias %s\n", args[0])
			return queueAfterCatalogChange(cmd, db, "alias "+args[0]+" removed")
		}

		if len(args) != 2 {
			return errors.New("alias requires an alias id and a primary id")
		}
		if err := db.AddAlias(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s is now an alias of %s\n", args[0], args[1])
		return queueAfterCatalogChange(cmd, db, "alias "+args[0]+" added")
	},
}

var toolsMergeCmd = &cobra.Command{
	Use:   "merge [source-id...] --into [target-id]",
	Short: "Merge tools into a target and rewrite stored documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		target, _ := cmd.Flags().GetString("into")
		res, err := newEngine(db, audit.Nop{}).merger.Merge(cmd.Context(), args, target)
		if err != nil {
			return err
		}
		fmt.Printf("Merged %s into %s: %d of %d documents rewritten\n",
			strings.Join(args, ", "), target, res.Rewritten, res.Scanned)
		return nil
	},
}

func init() {
	toolsListCmd.Flags().Bool("active", false, "Only show active tools")

	toolsAddCmd.Flags().StringSlice("keywords", nil, "Other names the tool is mentioned by")
	toolsAddCmd.Flags().String("description", "", "Short description")

	toolsAliasCmd.Flags().Bool("remove", false, "Remove the alias instead of adding it")

	toolsMergeCmd.Flags().String("into", "", "Tool the sources are merged into")
	toolsMergeCmd.MarkFlagRequired("into")

	for _, c := range []*cobra.Command{toolsAddCmd, toolsToggleCmd, toolsAliasCmd} {
		c.Flags().Bool("reanalyze", false, "Queue a reanalysis job for the changed catalog")
	}

	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsAddCmd)
	toolsCmd.AddCommand(toolsToggleCmd)
	toolsCmd.AddCommand(toolsAliasCmd)
	toolsCmd.AddCommand(toolsMergeCmd)
}

// queueAfterCatalogChange queues a system-triggered job when --reanalyze is
// set. An already active job is reported but not treated as a failure.
func queueAfterCatalogChange(cmd *cobra.Command, db *database.DB, reason string) error {
	if ok, _ := cmd.Flags().GetBool("reanalyze"); !ok {
		return nil
	}
	res, err := newEngine(db, audit.LogNotifier{Logger: logger}).trigger.Automatic(cmd.Context(), reason)
	if errors.Is(err, reanalysis.ErrConcurrency) {
		fmt.Println("A reanalysis job is already active; not queueing another")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Queued job %s over ~%d documents\n", res.JobID, res.EstimatedDocCount)
	return nil
}
