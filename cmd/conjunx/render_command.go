package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/conjunx/internal/archive"
	"github.com/snarg/conjunx/internal/media"
	"github.com/snarg/conjunx/internal/render"
	"github.com/snarg/conjunx/internal/spool"
	"github.com/snarg/conjunx/internal/storage"
	"github.com/snarg/conjunx/internal/voicelines"
	"github.com/spf13/cobra"
)

// inputFlags selects the transcripts a command works on.
type inputFlags struct {
	archive     string
	transcripts string
	dictate     string
	seed        uint64
}

func (f *inputFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.archive, "archive", "", "Archive ("+archive.Ext+") of transcripts and videos")
	flags.StringVar(&f.transcripts, "transcripts", "", "Directory of "+archive.TranscriptExt+" transcripts next to their videos")
	flags.StringVar(&f.dictate, "dictate", "", "Text the output video should say")
	flags.Uint64Var(&f.seed, "seed", 0, "Seed for choosing among equivalent clips (0 = random)")
	cmd.MarkFlagsMutuallyExclusive("archive", "transcripts")
	cmd.MarkFlagsOneRequired("archive", "transcripts")
	_ = cmd.MarkFlagRequired("dictate")
}

// sources resolves --transcripts into render sources. Archives are left to
// the caller.
func (f *inputFlags) sources() ([]render.Source, error) {
	if f.transcripts == "" {
		return nil, nil
	}
	pairs, err := archive.FindTranscripts(f.transcripts)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no %s transcripts in %s", archive.TranscriptExt, f.transcripts)
	}
	return render.SourcesFromPairs(pairs), nil
}

func newRenderCommand(ctx *commandContext) *cobra.Command {
	var in inputFlags
	var output string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render one video locally and write it to a file",
		Example: `  conjunx render --archive clips.cjxa --dictate "hello world" -o hello.mp4
  conjunx render --transcripts ./clips --dictate "hello world" -o hello.mp4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if in.seed == 0 {
				in.seed = cfg.RenderSeed
			}
			log := ctx.logger(os.Stderr)

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if cfg.RenderTimeout > 0 {
				var cancel context.CancelFunc
				sigCtx, cancel = context.WithTimeout(sigCtx, cfg.RenderTimeout)
				defer cancel()
			}

			editor := media.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath, cfg.EncodePreset, log)
			res, err := renderToFile(sigCtx, editor, in, output, log)
			if err != nil {
				return describeRenderError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d clips, %s)\n", output, len(res.Lines), res.Duration.Round(time.Millisecond))
			return nil
		},
	}
	in.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output MP4 path")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

// renderToFile runs a single job in a private spool and moves the result to output.
func renderToFile(ctx context.Context, editor media.Editor, in inputFlags, output string, log zerolog.Logger) (*render.Result, error) {
	tmp, err := os.MkdirTemp("", "conjunx-render-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	sp, err := spool.Open(filepath.Join(tmp, "spool"), 0, log)
	if err != nil {
		return nil, err
	}
	defer sp.Close()

	sources, err := in.sources()
	if err != nil {
		return nil, err
	}
	store := storage.NewLocalStore(filepath.Join(tmp, "out"))
	engine := render.NewEngine(sp, editor, store, voicelines.NewRandomPicker(in.seed), log)

	job := render.NewJob(in.dictate, in.archive, sources...)
	res, err := engine.Render(ctx, job)
	if err != nil {
		return nil, err
	}

	src := store.LocalPath(res.OutputKey)
	if src == "" {
		return nil, fmt.Errorf("render produced no output for key %s", res.OutputKey)
	}
	abs, err := filepath.Abs(output)
	if err != nil {
		return nil, err
	}
	dst := storage.NewLocalStore(filepath.Dir(abs))
	if err := dst.Put(ctx, filepath.Base(abs), src, "video/mp4"); err != nil {
		return nil, fmt.Errorf("write %s: %w", output, err)
	}
	return res, nil
}

// describeRenderError prefixes client-side failures with a hint.
func describeRenderError(err error) error {
	var ue *voicelines.UnmatchedPhraseError
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %q (unmatched: %s)", render.UserMessage(err), ue.Phrase, strings.Join(ue.Remaining, " "))
	}
	if render.IsClientError(err) {
		return fmt.Errorf("%s: %w", render.UserMessage(err), err)
	}
	return err
}
