package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/hypersync/internal/graph"
	"github.com/kalambet/hypersync/internal/storage"
	"github.com/kalambet/hypersync/internal/traversal"
)

func parseEmbedding(s string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("parsing embedding: want a JSON array of numbers: %w", err)
	}
	return v, nil
}

// parseMembers reads "node-id" or "node-id:role" specs in order.
func parseMembers(specs []string) ([]graph.Member, error) {
	members := make([]graph.Member, 0, len(specs))
	for _, s := range specs {
		id, role, _ := strings.Cut(strings.TrimSpace(s), ":")
		if id == "" {
			return nil, fmt.Errorf("invalid member %q: want node-id[:role]", s)
		}
		members = append(members, graph.Member{NodeID: id, Role: role})
	}
	return members, nil
}

func parseTimeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: want RFC 3339 time: %w", name, err)
	}
	return t, nil
}

// --- node ---

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Create, read, update and delete nodes",
}

var nodeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a node",
	Long: `Create a node.

Examples:
  hypersync node create --content "Ship the sync engine" --type Task
  hypersync node create --content "Met Ana at the meetup" --type Memory --metadata '{"place":"Lisbon"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := graph.NewNode{}
		in.Content, _ = cmd.Flags().GetString("content")

		typ, _ := cmd.Flags().GetString("type")
		ct, err := graph.ParseContentType(typ)
		if err != nil {
			return err
		}
		in.ContentType = ct

		if raw, _ := cmd.Flags().GetString("metadata"); raw != "" {
			if in.Metadata, err = graph.ParseMetadata([]byte(raw)); err != nil {
				return err
			}
		}
		if raw, _ := cmd.Flags().GetString("embedding"); raw != "" {
			if in.Embedding, err = parseEmbedding(raw); err != nil {
				return err
			}
		}

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.svc.CreateNode(cmd.Context(), in)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), n)
	},
}

var nodeUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a node at a known version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetInt64("version")

		var patch graph.NodePatch
		if cmd.Flags().Changed("content") {
			content, _ := cmd.Flags().GetString("content")
			patch.Content = &content
		}
		if cmd.Flags().Changed("type") {
			typ, _ := cmd.Flags().GetString("type")
			ct, err := graph.ParseContentType(typ)
			if err != nil {
				return err
			}
			patch.ContentType = &ct
		}
		if raw, _ := cmd.Flags().GetString("metadata"); raw != "" {
			m, err := graph.ParseMetadata([]byte(raw))
			if err != nil {
				return err
			}
			patch.Metadata = m
		}
		if raw, _ := cmd.Flags().GetString("embedding"); raw != "" {
			v, err := parseEmbedding(raw)
			if err != nil {
				return err
			}
			patch.Embedding = v
		}
		patch.ClearEmbedding, _ = cmd.Flags().GetBool("clear-embedding")

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.svc.UpdateNode(cmd.Context(), args[0], patch, version)
		if errors.Is(err, graph.ErrConflict) {
			printWarning("node %s changed since version %d; fetch it and retry", args[0], version)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), n)
	},
}

var nodeDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Tombstone a node at a known version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetInt64("version")

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.svc.SoftDeleteNode(cmd.Context(), args[0], version)
		if err != nil {
			return err
		}
		printSuccess("Deleted node %s (version %d)", n.ID, n.Version)
		return nil
	},
}

var nodeGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.svc.GetNode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), n)
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes by type, device or time range",
	RunE: func(cmd *cobra.Command, args []string) error {
		var f storage.NodeFilter
		f.DeviceID, _ = cmd.Flags().GetString("device")
		f.IncludeDeleted, _ = cmd.Flags().GetBool("deleted")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if typ, _ := cmd.Flags().GetString("type"); typ != "" {
			ct, err := graph.ParseContentType(typ)
			if err != nil {
				return err
			}
			f.ContentType = ct
		}
		var err error
		if f.CreatedAfter, err = parseTimeFlag(cmd, "created-after"); err != nil {
			return err
		}
		if f.CreatedBefore, err = parseTimeFlag(cmd, "created-before"); err != nil {
			return err
		}
		if f.UpdatedAfter, err = parseTimeFlag(cmd, "updated-after"); err != nil {
			return err
		}

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		nodes, err := a.svc.ListNodes(cmd.Context(), f)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), nodes)
	},
}

var nodeBatchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: "Create many nodes in one transaction from a JSON array",
	Long: `Create many nodes in one transaction. The file holds a JSON array of
objects with content, content_type, metadata and embedding; "-" reads stdin.
Either every node is created or none is.

Example:
  echo '[{"content":"a","content_type":"Note"},{"content":"b","content_type":"Task"}]' | hypersync node batch -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ins, err := readNewNodes(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		nodes, err := a.svc.CreateNodesBatch(cmd.Context(), ins)
		if err != nil {
			return err
		}
		printSuccess("Created %d nodes", len(nodes))
		return printJSON(cmd.OutOrStdout(), nodes)
	},
}

// readNewNodes decodes a JSON array of node inputs from path, or from stdin
// when path is "-".
func readNewNodes(stdin io.Reader, path string) ([]graph.NewNode, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var ins []graph.NewNode
	if err := json.NewDecoder(r).Decode(&ins); err != nil {
		return nil, fmt.Errorf("parsing %s: want a JSON array of nodes: %w", path, err)
	}
	return ins, nil
}

var nodeHubsCmd = &cobra.Command{
	Use:   "hubs",
	Short: "List the nodes that take part in the most hyperedges",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		ranked, err := a.svc.MostConnectedNodes(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ranked)
	},
}

var nodeOrphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List live nodes that are in no live hyperedge",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		nodes, err := a.svc.OrphanNodes(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), nodes)
	},
}

func init() {
	nodeCreateCmd.Flags().String("content", "", "node content")
	nodeCreateCmd.Flags().String("type", string(graph.Note), "content type: Thought, Memory, Context, Task or Note")
	nodeCreateCmd.Flags().String("metadata", "", "metadata as a JSON object")
	nodeCreateCmd.Flags().String("embedding", "", "embedding as a JSON array")
	nodeCreateCmd.MarkFlagRequired("content")

	nodeUpdateCmd.Flags().Int64("version", 0, "version the update is based on")
	nodeUpdateCmd.Flags().String("content", "", "new content")
	nodeUpdateCmd.Flags().String("type", "", "new content type")
	nodeUpdateCmd.Flags().String("metadata", "", "replacement metadata as a JSON object")
	nodeUpdateCmd.Flags().String("embedding", "", "replacement embedding as a JSON array")
	nodeUpdateCmd.Flags().Bool("clear-embedding", false, "remove the embedding")
	nodeUpdateCmd.MarkFlagRequired("version")

	nodeDeleteCmd.Flags().Int64("version", 0, "version the delete is based on")
	nodeDeleteCmd.MarkFlagRequired("version")

	nodeListCmd.Flags().String("type", "", "only this content type")
	nodeListCmd.Flags().String("device", "", "only nodes authored by this device")
	nodeListCmd.Flags().String("created-after", "", "RFC 3339 lower bound on created_at")
	nodeListCmd.Flags().String("created-before", "", "RFC 3339 upper bound on created_at")
	nodeListCmd.Flags().String("updated-after", "", "RFC 3339 lower bound on updated_at")
	nodeListCmd.Flags().Bool("deleted", false, "include tombstoned nodes")
	nodeListCmd.Flags().Int("limit", 100, "maximum number of nodes")

	nodeCmd.AddCommand(nodeCreateCmd)
	nodeCmd.AddCommand(nodeUpdateCmd)
	nodeCmd.AddCommand(nodeDeleteCmd)
	nodeCmd.AddCommand(nodeGetCmd)
	nodeHubsCmd.Flags().Int("limit", 10, "maximum number of nodes")
	nodeOrphansCmd.Flags().Int("limit", 0, "maximum number of nodes (0 for all)")

	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeBatchCmd)
	nodeCmd.AddCommand(nodeHubsCmd)
	nodeCmd.AddCommand(nodeOrphansCmd)
}

// --- edge ---

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Create, read, update and delete hyperedges",
}

var edgeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a hyperedge over two or more nodes",
	Long: `Create a hyperedge over two or more nodes. Members keep the order given.

Examples:
  hypersync edge create --label met --member $A:host --member $B:guest --member $C:guest
  hypersync edge create --label causes --directed --member $A:source --member $B:target`,
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		directed, _ := cmd.Flags().GetBool("directed")
		specs, _ := cmd.Flags().GetStringArray("member")

		members, err := parseMembers(specs)
		if err != nil {
			return err
		}
		in := graph.NewHyperedge{Label: label, IsDirected: directed, Members: members}
		if raw, _ := cmd.Flags().GetString("metadata"); raw != "" {
			if in.Metadata, err = graph.ParseMetadata([]byte(raw)); err != nil {
				return err
			}
		}

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		h, err := a.svc.CreateHyperedge(cmd.Context(), in)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), h)
	},
}

var edgeUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a hyperedge at a known version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetInt64("version")

		var patch graph.HyperedgePatch
		if cmd.Flags().Changed("label") {
			label, _ := cmd.Flags().GetString("label")
			patch.Label = &label
		}
		if cmd.Flags().Changed("directed") {
			directed, _ := cmd.Flags().GetBool("directed")
			patch.IsDirected = &directed
		}
		if raw, _ := cmd.Flags().GetString("metadata"); raw != "" {
			m, err := graph.ParseMetadata([]byte(raw))
			if err != nil {
				return err
			}
			patch.Metadata = m
		}

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		h, err := a.svc.UpdateHyperedge(cmd.Context(), args[0], patch, version)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), h)
	},
}

var edgeDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Tombstone a hyperedge at a known version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetInt64("version")

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		h, err := a.svc.SoftDeleteHyperedge(cmd.Context(), args[0], version)
		if err != nil {
			return err
		}
		printSuccess("Deleted hyperedge %s (version %d)", h.ID, h.Version)
		return nil
	},
}

var edgeGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a hyperedge with its incidences",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		h, err := a.svc.GetHyperedge(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), h)
	},
}

var edgeListCmd = &cobra.Command{
	Use:   "list <node-id>",
	Short: "List the live hyperedges a node participates in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		edges, err := a.svc.HyperedgesForNode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), edges)
	},
}

var edgeBetweenCmd = &cobra.Command{
	Use:   "between <node-id> <node-id>...",
	Short: "List the live hyperedges that include every given node",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		edges, err := a.svc.HyperedgesBetween(cmd.Context(), args)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), edges)
	},
}

func init() {
	edgeCreateCmd.Flags().String("label", "", "relationship label")
	edgeCreateCmd.Flags().Bool("directed", false, "treat the first member as source and the rest as targets")
	edgeCreateCmd.Flags().StringArray("member", nil, "participant as node-id[:role], repeat for each member")
	edgeCreateCmd.Flags().String("metadata", "", "metadata as a JSON object")
	edgeCreateCmd.MarkFlagRequired("label")
	edgeCreateCmd.MarkFlagRequired("member")

	edgeUpdateCmd.Flags().Int64("version", 0, "version the update is based on")
	edgeUpdateCmd.Flags().String("label", "", "new label")
	edgeUpdateCmd.Flags().Bool("directed", false, "new directedness")
	edgeUpdateCmd.Flags().String("metadata", "", "replacement metadata as a JSON object")
	edgeUpdateCmd.MarkFlagRequired("version")

	edgeDeleteCmd.Flags().Int64("version", 0, "version the delete is based on")
	edgeDeleteCmd.MarkFlagRequired("version")

	edgeCmd.AddCommand(edgeCreateCmd)
	edgeCmd.AddCommand(edgeUpdateCmd)
	edgeCmd.AddCommand(edgeDeleteCmd)
	edgeCmd.AddCommand(edgeGetCmd)
	edgeCmd.AddCommand(edgeListCmd)
	edgeCmd.AddCommand(edgeBetweenCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <entity-id>",
	Short: "Show every journaled change to a node or hyperedge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.svc.EntityHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entries)
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over node content",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		nodes, err := a.svc.SearchNodes(cmd.Context(), strings.Join(args, " "), limit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), nodes)
	},
}

var vsearchCmd = &cobra.Command{
	Use:   "vsearch",
	Short: "Nearest-neighbour search over node embeddings",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("embedding")
		k, _ := cmd.Flags().GetInt("k")
		q, err := parseEmbedding(raw)
		if err != nil {
			return err
		}

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		hits, err := a.svc.VectorSearch(cmd.Context(), q, k)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), hits)
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	vsearchCmd.Flags().String("embedding", "", "query vector as a JSON array")
	vsearchCmd.Flags().Int("k", 10, "number of neighbours")
	vsearchCmd.MarkFlagRequired("embedding")
}

// --- traversal ---

var neighborsCmd = &cobra.Command{
	Use:   "neighbors <node-id>",
	Short: "List nodes within a number of hyperedge hops",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		hits, err := a.svc.Neighborhood(cmd.Context(), args[0], depth)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), hits)
	},
}

var pathCmd = &cobra.Command{
	Use:   "path <from> <to>",
	Short: "Find a shortest path between two nodes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")

		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		path, err := a.svc.ShortestPath(cmd.Context(), args[0], args[1], depth)
		if errors.Is(err, traversal.ErrNoPath) {
			printWarning("no path within %d hops", depth)
			return nil
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), path)
	},
}

var componentCmd = &cobra.Command{
	Use:   "component <node-id>",
	Short: "List every node connected to a node, at any distance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		nodes, err := a.svc.ConnectedComponent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), nodes)
	},
}

func init() {
	neighborsCmd.Flags().Int("depth", 2, "maximum number of hops")
	pathCmd.Flags().Int("depth", 6, "maximum number of hops")
}
