package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/snarg/conjunx/internal/archive"
	"github.com/snarg/conjunx/internal/render"
	"github.com/snarg/conjunx/internal/voicelines"
	"github.com/spf13/cobra"
)

func newMatchCommand(ctx *commandContext) *cobra.Command {
	var in inputFlags

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Show which clips would be stitched for a dictate, without encoding",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if in.seed == 0 {
				in.seed = cfg.RenderSeed
			}
			lines, err := matchLines(in)
			if err != nil {
				return describeRenderError(err)
			}
			writeMatchTable(cmd.OutOrStdout(), lines)
			return nil
		},
	}
	in.register(cmd)
	return cmd
}

// matchLines loads the selected transcripts and runs the matcher.
func matchLines(in inputFlags) ([]*voicelines.VoiceLine, error) {
	sources, err := in.sources()
	if err != nil {
		return nil, err
	}
	if in.archive != "" {
		tmp, err := os.MkdirTemp("", "conjunx-match-*")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(tmp)
		pairs, err := archive.Extract(in.archive, tmp)
		if err != nil {
			return nil, err
		}
		sources = append(sources, render.SourcesFromPairs(pairs)...)
	}

	coll, _, err := render.LoadCollection(sources)
	if err != nil {
		return nil, err
	}
	return voicelines.Speak(in.dictate, coll, voicelines.NewRandomPicker(in.seed))
}

func writeMatchTable(w io.Writer, lines []*voicelines.VoiceLine) {
	rows := make([][]string, 0, len(lines))
	var total float64
	for i, l := range lines {
		d := l.End - l.Start
		total += d
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			l.Phrase,
			filepath.Base(l.Video),
			formatSeconds(l.Start),
			formatSeconds(l.End),
			formatSeconds(d),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"#", "Phrase", "Video", "Start", "End", "Length"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	))
	fmt.Fprintf(w, "%d clips, %ss total\n", len(lines), formatSeconds(total))
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
