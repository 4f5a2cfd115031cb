// Command bunkictl is the Bunki admin CLI. All commands operate locally,
// no running server required: corpus synthesis, classifier training, and
// the dynamic-function admission gate run against the same packages the
// server uses.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/shisetsu-ai/bunki/internal/analytics"
	"github.com/shisetsu-ai/bunki/internal/classifier"
	"github.com/shisetsu-ai/bunki/internal/corpus"
	"github.com/shisetsu-ai/bunki/internal/registry"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	curatedPath  string
	outPath      string
	artifactPath string
	trainSeed    int64
	gateFile     string
)

var rootCmd = &cobra.Command{
	Use:   "bunkictl",
	Short: "Bunki admin CLI",
	Long: `bunkictl inspects and trains the Bunki dispatch engine offline.

The corpus and train commands build the same labeled corpus the server
synthesizes at boot (built-in catalog patterns, optionally merged with a
curated YAML file) so training runs are reproducible outside the server.
The gate command vets a dynamic function source exactly as POST /functions
would, without loading it.`,
}

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Synthesize the labeled training corpus and dump it as JSON lines",
	RunE:  runCorpus,
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a classifier artifact from the built-in catalog",
	Long: `train synthesizes the corpus, fits the two-stage classifier, writes
the artifact JSON, and prints the held-out metrics. The server picks the
artifact up at next boot (BUNKI_ARTIFACT_PATH) or on POST /admin/train.`,
	RunE: runTrain,
}

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Run the dynamic-function admission gate on a source file",
	Long: `gate parses the file and applies the same static checks the server
applies before admitting a dynamic function: package main, allow-listed
imports only, no go statements, no cgo, and an Analyze(string) (string, error)
entry point. Exits 1 with the verdict when the source is rejected.`,
	RunE: runGate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bunkictl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	corpusCmd.Flags().StringVar(&curatedPath, "curated", "", "Curated corpus YAML file to merge")
	corpusCmd.Flags().StringVar(&outPath, "out", "", "Output file (default: stdout)")

	trainCmd.Flags().StringVar(&curatedPath, "curated", "", "Curated corpus YAML file to merge")
	trainCmd.Flags().StringVar(&artifactPath, "artifact", "data/classifier.json", "Artifact output path")
	trainCmd.Flags().Int64Var(&trainSeed, "seed", 42, "Deterministic shuffle seed")

	gateCmd.Flags().StringVar(&gateFile, "file", "", "Go source file to vet (required)")
	_ = gateCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(corpusCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildCorpus assembles the same corpus the server trains on: built-in
// catalog descriptors plus the optional curated file. Warnings go to
// stderr so piped JSON output stays clean.
func buildCorpus() ([]corpusExample, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	reg := registry.New(nil, logger)
	if err := analytics.RegisterBuiltins(reg); err != nil {
		return nil, fmt.Errorf("register builtins: %w", err)
	}

	curated, err := corpus.LoadCurated(curatedPath)
	if err != nil {
		return nil, fmt.Errorf("curated corpus: %w", err)
	}

	examples, warnings := corpus.Synthesize(reg.List(), curated, corpus.Options{})
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}

	out := make([]corpusExample, len(examples))
	for i, ex := range examples {
		out[i] = corpusExample{Text: ex.Text, Perform: ex.Perform, Label: ex.Label}
	}
	return out, nil
}

// corpusExample mirrors the training example shape for JSON-lines output.
type corpusExample struct {
	Text    string `json:"text"`
	Perform bool   `json:"perform"`
	Label   string `json:"label,omitempty"`
}

func runCorpus(cmd *cobra.Command, args []string) error {
	examples, err := buildCorpus()
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("open output: %w", err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	for _, ex := range examples {
		if err := enc.Encode(ex); err != nil {
			return fmt.Errorf("encode example: %w", err)
		}
	}
	fmt.Fprintf(os.Stderr, "%d examples\n", len(examples))
	return nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	reg := registry.New(nil, logger)
	if err := analytics.RegisterBuiltins(reg); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}
	curated, err := corpus.LoadCurated(curatedPath)
	if err != nil {
		return fmt.Errorf("curated corpus: %w", err)
	}
	examples, warnings := corpus.Synthesize(reg.List(), curated, corpus.Options{})
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}

	cfg := classifier.DefaultTrainingConfig()
	cfg.Seed = trainSeed

	art, err := classifier.Train(cmd.Context(), examples, cfg)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	if err := art.Save(artifactPath); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}

	fmt.Printf("trained on %d examples, artifact written to %s\n", len(examples), artifactPath)
	keys := make([]string, 0, len(art.Metrics))
	for k := range art.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-28s %.4f\n", k, art.Metrics[k])
	}
	return nil
}

func runGate(cmd *cobra.Command, args []string) error {
	src, err := os.ReadFile(gateFile)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	if err := registry.CheckSource(string(src)); err != nil {
		return fmt.Errorf("rejected: %w", err)
	}
	fmt.Printf("ok: %s passes the admission gate\n", gateFile)
	return nil
}
