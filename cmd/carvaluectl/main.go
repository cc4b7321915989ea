// carvaluectl inspects a model artifact and runs offline valuations.
//
// Usage:
//
//	carvaluectl columns --model car_value_model.json
//	carvaluectl encode --brand Toyota --model-name Corolla --year 2015 ...
//	carvaluectl estimate --brand Toyota --model-name Corolla --year 2015 ...
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/BTreeMap/CarValue/internal/flow"
	"github.com/BTreeMap/CarValue/internal/models"
	"github.com/BTreeMap/CarValue/internal/valuation"
)

var version = "dev"

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "carvaluectl",
		Usage:   "Inspect CarValue model artifacts and price vehicles offline",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "model",
				Value:   valuation.DefaultArtifactPath,
				Usage:   "Path to the model artifact",
				EnvVars: []string{"MODEL_PATH"},
			},
			&cli.IntFlag{
				Name:    "reference-year",
				Value:   valuation.DefaultReferenceYear,
				Usage:   "Year used to derive vehicle age",
				EnvVars: []string{"REFERENCE_YEAR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			var lvl slog.Level
			if err := lvl.UnmarshalText([]byte(c.String("log-level"))); err != nil {
				return fmt.Errorf("invalid log level %q", c.String("log-level"))
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
			return nil
		},
		Commands: []*cli.Command{
			columnsCommand(),
			encodeCommand(),
			estimateCommand(),
		},
	}
}

// attributeFlags exposes one string flag per intake attribute. The vehicle model
// is "model-name" because "model" already names the artifact.
func attributeFlags() []cli.Flag {
	schema := flow.DefaultSchema()
	flags := make([]cli.Flag, 0, schema.Len()+1)
	for i := 0; i < schema.Len(); i++ {
		spec, _ := schema.At(i)
		flags = append(flags, &cli.StringFlag{
			Name:     attributeFlagName(spec.Name),
			Usage:    spec.Prompt,
			Required: true,
		})
	}
	flags = append(flags, &cli.BoolFlag{Name: "json", Usage: "Print JSON instead of a table"})
	return flags
}

func attributeFlagName(attr string) string {
	if attr == models.AttrModel {
		return "model-name"
	}
	return attr
}

// collectAttributes coerces each flag the way the chat flow coerces answers.
func collectAttributes(c *cli.Context) (models.Attributes, error) {
	schema := flow.DefaultSchema()
	attrs := make(models.Attributes, schema.Len())
	for i := 0; i < schema.Len(); i++ {
		spec, _ := schema.At(i)
		raw := c.String(attributeFlagName(spec.Name))
		v, err := spec.Coerce(raw)
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", attributeFlagName(spec.Name), err)
		}
		attrs[spec.Name] = v
	}
	return attrs, nil
}

func loadEstimator(c *cli.Context) *valuation.Estimator {
	return valuation.NewEstimator(
		valuation.FileSource{Path: c.String("model")},
		valuation.NewEncoder(valuation.WithReferenceYear(c.Int("reference-year"))),
	)
}

func columnsCommand() *cli.Command {
	return &cli.Command{
		Name:  "columns",
		Usage: "List the artifact's feature columns in order",
		Action: func(c *cli.Context) error {
			art, err := loadEstimator(c).Artifact(c.Context)
			if err != nil {
				return err
			}
			for i, name := range art.Columns.Names() {
				fmt.Fprintf(c.App.Writer, "%d\t%s\n", i, name)
			}
			return nil
		},
	}
}

type encodeOutput struct {
	Columns    []string              `json:"columns"`
	Vector     []float64             `json:"vector"`
	Placements []valuation.Placement `json:"placements"`
}

func encodeCommand() *cli.Command {
	return &cli.Command{
		Name:  "encode",
		Usage: "Show the feature vector built from vehicle attributes",
		Flags: attributeFlags(),
		Action: func(c *cli.Context) error {
			attrs, err := collectAttributes(c)
			if err != nil {
				return err
			}
			est := loadEstimator(c)
			art, err := est.Artifact(c.Context)
			if err != nil {
				return err
			}
			vec, placements, err := est.Encoder().Explain(attrs, art.Columns)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				enc := json.NewEncoder(c.App.Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(encodeOutput{Columns: art.Columns.Names(), Vector: vec, Placements: placements})
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FEATURE\tVALUE\tMODE\tCOLUMN\tWEIGHT")
			for _, p := range placements {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\n", p.Key, p.Value, p.Mode, p.Column, p.Weight)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "\nvector: %s\n", formatVector(vec))
			return nil
		},
	}
}

func estimateCommand() *cli.Command {
	return &cli.Command{
		Name:  "estimate",
		Usage: "Price a vehicle with the model artifact",
		Flags: attributeFlags(),
		Action: func(c *cli.Context) error {
			attrs, err := collectAttributes(c)
			if err != nil {
				return err
			}
			est, err := loadEstimator(c).Estimate(c.Context, attrs)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return json.NewEncoder(c.App.Writer).Encode(map[string]any{
					"price":   est.Price.StringFixed(valuation.PricePlaces),
					"raw":     est.Raw,
					"display": est.Display(),
				})
			}
			fmt.Fprintln(c.App.Writer, est.Display())
			return nil
		},
	}
}

func formatVector(vec []float64) string {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
