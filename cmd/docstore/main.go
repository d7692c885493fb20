// Command docstore is the CLI front-end for a docvec database: document
// CRUD, collection management, promotion suggestions, and vector search.
// Adapted from the teacher's cmd/sqvect CLI tree (cmd/sqvect/main.go).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arkhaios/docvec/pkg/store"
	"github.com/arkhaios/docvec/pkg/vector"
	"github.com/arkhaios/docvec/pkg/vsearch"
)

var (
	dbPath  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "docstore",
	Short: "CLI for a schema-free document store with vector search",
	Long:  "A command-line interface for managing documents, collections, and vector embeddings in a docvec database.",
}

func openStore() (*store.Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path not specified")
	}
	return store.New(dbPath)
}

func parseVector(str string) ([]float32, error) {
	var out []float32
	for _, part := range strings.Split(str, ",") {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", part, err)
		}
		out = append(out, float32(val))
	}
	return out, nil
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

// --- doc ---

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Manage documents",
}

var docInsertCmd = &cobra.Command{
	Use:   "insert <collection> <json-payload>",
	Short: "Insert a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")

		var payload map[string]any
		if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
			return fmt.Errorf("invalid JSON payload: %w", err)
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		newID, err := s.Insert(context.Background(), args[0], id, payload)
		if err != nil {
			return fmt.Errorf("insert failed: %w", err)
		}
		fmt.Printf("inserted document %s\n", newID)
		return nil
	},
}

var docGetCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Fetch a document by id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		doc, err := s.FindOne(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("get failed: %w", err)
		}
		printJSON(doc)
		return nil
	},
}

var docFindCmd = &cobra.Command{
	Use:   "find <collection> <json-filter>",
	Short: "Find documents matching a filter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		var filterDoc map[string]any
		if err := json.Unmarshal([]byte(args[1]), &filterDoc); err != nil {
			return fmt.Errorf("invalid JSON filter: %w", err)
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		opts := store.FindOptions{}
		if limit > 0 {
			opts.Limit = &limit
		}

		docs, err := s.Find(context.Background(), args[0], filterDoc, opts)
		if err != nil {
			return fmt.Errorf("find failed: %w", err)
		}
		printJSON(docs)
		return nil
	},
}

var docCountCmd = &cobra.Command{
	Use:   "count <collection> <json-filter>",
	Short: "Count documents matching a filter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var filterDoc map[string]any
		if err := json.Unmarshal([]byte(args[1]), &filterDoc); err != nil {
			return fmt.Errorf("invalid JSON filter: %w", err)
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := s.Count(context.Background(), args[0], filterDoc)
		if err != nil {
			return fmt.Errorf("count failed: %w", err)
		}
		fmt.Println(n)
		return nil
	},
}

var docUpdateCmd = &cobra.Command{
	Use:   "update <collection> <id> <json-update>",
	Short: "Apply an update document to a live document",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var updateDoc map[string]any
		if err := json.Unmarshal([]byte(args[2]), &updateDoc); err != nil {
			return fmt.Errorf("invalid JSON update: %w", err)
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Update(context.Background(), args[0], args[1], updateDoc); err != nil {
			return fmt.Errorf("update failed: %w", err)
		}
		fmt.Println("updated")
		return nil
	},
}

var docDeleteCmd = &cobra.Command{
	Use:   "delete <collection> <id>",
	Short: "Soft-delete a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Delete(context.Background(), args[0], args[1]); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Println("deleted")
		return nil
	},
}

// --- collection ---

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Manage collections",
}

var collectionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		c, err := s.CreateCollection(context.Background(), args[0], description)
		if err != nil {
			return fmt.Errorf("create collection failed: %w", err)
		}
		fmt.Printf("collection %q created\n", c.Name)
		return nil
	},
}

var collectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		cols, err := s.ListCollections(context.Background())
		if err != nil {
			return fmt.Errorf("list collections failed: %w", err)
		}
		printJSON(cols)
		return nil
	},
}

var collectionDropCmd = &cobra.Command{
	Use:   "drop <name>",
	Short: "Drop a collection and all its documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			fmt.Printf("drop collection %q and all its documents? [y/N]: ", args[0])
			var response string
			fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				fmt.Println("cancelled")
				return nil
			}
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.DropCollection(context.Background(), args[0]); err != nil {
			return fmt.Errorf("drop collection failed: %w", err)
		}
		fmt.Printf("collection %q dropped\n", args[0])
		return nil
	},
}

// --- promote ---

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Index Registry / Schema Evolution operations",
}

var promoteSuggestCmd = &cobra.Command{
	Use:   "suggest <collection>",
	Short: "List promotion suggestions ranked by impact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		printJSON(s.Suggestions(context.Background(), args[0]))
		return nil
	},
}

var promoteFieldCmd = &cobra.Command{
	Use:   "field <collection> <field-path>",
	Short: "Force promotion of a field onto an indexed slot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ok, err := s.PromoteField(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("promote failed: %w", err)
		}
		if ok {
			fmt.Printf("promoted %s.%s\n", args[0], args[1])
		} else {
			fmt.Printf("%s.%s was already promoted or could not be promoted\n", args[0], args[1])
		}
		return nil
	},
}

// --- vector ---

var vectorCmd = &cobra.Command{
	Use:   "vector",
	Short: "Manage and search stored vectors",
}

var vectorUpsertCmd = &cobra.Command{
	Use:   "upsert <collection> <document-id>",
	Short: "Store or replace the vector for a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		modelName, _ := cmd.Flags().GetString("model")
		metadataStr, _ := cmd.Flags().GetString("metadata")

		v, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		var metadata map[string]any
		if metadataStr != "" {
			if err := json.Unmarshal([]byte(metadataStr), &metadata); err != nil {
				return fmt.Errorf("invalid metadata JSON: %w", err)
			}
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := s.Vectors().Upsert(context.Background(), args[0], args[1], v, modelName, metadata)
		if err != nil {
			return fmt.Errorf("vector upsert failed: %w", err)
		}
		fmt.Printf("stored vector %s\n", id)
		return nil
	},
}

var vectorSearchCmd = &cobra.Command{
	Use:   "search <vector>",
	Short: "k-NN search over stored vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		metric, _ := cmd.Flags().GetString("metric")
		collection, _ := cmd.Flags().GetString("collection")
		modelName, _ := cmd.Flags().GetString("model")
		includeSelf, _ := cmd.Flags().GetBool("include-self")
		thresholdSet := cmd.Flags().Changed("threshold")
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		v, err := parseVector(args[0])
		if err != nil {
			return err
		}

		opts := vsearch.Options{
			Limit:       limit,
			Metric:      vector.Metric(metric),
			Collection:  collection,
			ModelName:   modelName,
			IncludeSelf: includeSelf,
		}
		if thresholdSet {
			opts.Threshold = &threshold
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		results, stats, err := s.Vectors().Search(context.Background(), v, opts)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}

		if verbose {
			fmt.Printf("scanned %d, filtered %d, returned %d in %.2fms\n",
				stats.VectorsScanned, stats.VectorsFiltered, stats.ResultsReturned, stats.QueryTimeMs)
		}
		printJSON(results)
		return nil
	},
}

var vectorDeleteCmd = &cobra.Command{
	Use:   "delete <collection> <document-id>",
	Short: "Delete the vector associated with a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		modelName, _ := cmd.Flags().GetString("model")

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Vectors().Delete(context.Background(), args[0], args[1], modelName); err != nil {
			return fmt.Errorf("vector delete failed: %w", err)
		}
		fmt.Println("deleted")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "docstore.db", "Database file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	docInsertCmd.Flags().String("id", "", "Explicit document id (generated if omitted)")
	docFindCmd.Flags().Int("limit", 0, "Maximum number of results (0 = unlimited)")
	docCmd.AddCommand(docInsertCmd, docGetCmd, docFindCmd, docCountCmd, docUpdateCmd, docDeleteCmd)

	collectionCreateCmd.Flags().String("description", "", "Collection description")
	collectionDropCmd.Flags().Bool("force", false, "Skip confirmation prompt")
	collectionCmd.AddCommand(collectionCreateCmd, collectionListCmd, collectionDropCmd)

	promoteCmd.AddCommand(promoteSuggestCmd, promoteFieldCmd)

	vectorUpsertCmd.Flags().String("vector", "", "Vector values (comma-separated)")
	vectorUpsertCmd.Flags().String("model", "", "Embedding model name")
	vectorUpsertCmd.Flags().String("metadata", "", "Metadata as JSON")
	vectorUpsertCmd.MarkFlagRequired("vector")

	vectorSearchCmd.Flags().Int("limit", 10, "Number of results")
	vectorSearchCmd.Flags().String("metric", "cosine", "Metric: cosine, euclidean, dot, manhattan")
	vectorSearchCmd.Flags().String("collection", "", "Restrict search to a collection")
	vectorSearchCmd.Flags().String("model", "", "Restrict search to a model name")
	vectorSearchCmd.Flags().Float64("threshold", 0, "Score threshold")
	vectorSearchCmd.Flags().Bool("include-self", false, "Include an exact match of the query vector")

	vectorDeleteCmd.Flags().String("model", "", "Embedding model name")

	vectorCmd.AddCommand(vectorUpsertCmd, vectorSearchCmd, vectorDeleteCmd)

	rootCmd.AddCommand(docCmd, collectionCmd, promoteCmd, vectorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
