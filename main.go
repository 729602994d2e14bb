package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/sanity-io/litter"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/rand"

	"Inkwell/backend/authority"
	"Inkwell/backend/sync"
	"Inkwell/backend/sync/impl"
	"Inkwell/backend/surface"
	"Inkwell/backend/types"
)

var logIO = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

func main() {
	app := &cli.App{
		Name:  "inkwell-sim",
		Usage: "drive concurrent writers against one document authority and verify convergence",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "clients",
				Value: 3,
				Usage: "number of concurrent writers",
			},
			&cli.IntFlag{
				Name:  "edits",
				Value: 40,
				Usage: "edits each writer makes",
			},
			&cli.Uint64Flag{
				Name:  "seed",
				Value: 1,
				Usage: "random seed",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log at debug level",
			},
		},
		Action: runSim,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type client struct {
	name string
	pad  *surface.Pad
	rec  sync.Reconciler
}

func runSim(c *cli.Context) error {
	level := zerolog.InfoLevel
	if c.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	log := newLogger(logIO, level)

	nClients := c.Int("clients")
	nEdits := c.Int("edits")
	if nClients < 1 {
		return cli.Exit("need at least one client", 1)
	}

	doc := authority.NewDoc(types.EmptyTextSnapshot, log)

	clients := make([]*client, nClients)
	for i := range clients {
		name := fmt.Sprintf("writer-%d", i)
		pad := surface.NewPad(log.With().Str("client", name).Logger())
		rec, err := impl.NewReconciler(sync.Configuration{
			Surface:        pad,
			Authority:      doc,
			SourceID:       name,
			CoalesceDelay:  20 * time.Millisecond,
			PacingDelay:    5 * time.Millisecond,
			RestartBackoff: time.Second,
			Log:            log.With().Str("client", name).Logger(),
		})
		if err != nil {
			return err
		}
		clients[i] = &client{name: name, pad: pad, rec: rec}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, cl := range clients {
		if err := cl.rec.Start(); err != nil {
			return err
		}
		if err := cl.rec.WaitFor(ctx, sync.StateIdle); err != nil {
			return err
		}
	}
	defer func() {
		for _, cl := range clients {
			_ = cl.rec.Stop()
		}
	}()

	rng := rand.New(rand.NewSource(c.Uint64("seed")))
	log.Info().Int("clients", nClients).Int("edits", nEdits).Msg("simulation started")

	for round := 0; round < nEdits; round++ {
		for _, cl := range clients {
			if err := randomEdit(cl, rng); err != nil {
				return err
			}
		}
		time.Sleep(time.Duration(rng.Intn(15)) * time.Millisecond)
	}

	if err := waitForConvergence(ctx, doc, clients); err != nil {
		return err
	}

	final := doc.Snapshot().Contents().(*types.TextDelta)
	log.Info().Int("revNum", doc.RevNum()).Int("len", len([]rune(final.Text()))).
		Msg("all writers converged")
	return nil
}

// randomEdit types one random insertion or deletion onto the client's pad,
// covering the whole document so lengths stay consistent.
func randomEdit(cl *client, rng *rand.Rand) error {
	return cl.pad.EditWith("user:"+cl.name, func(contents types.Delta) (types.Delta, error) {
		docLen := len([]rune(contents.(*types.TextDelta).Text()))

		pos := 0
		if docLen > 0 {
			pos = rng.Intn(docLen + 1)
		}

		var ops []types.Operation
		if docLen > 0 && pos < docLen && rng.Intn(4) == 0 {
			n := minInt(rng.Intn(3)+1, docLen-pos)
			if pos > 0 {
				ops = append(ops, types.TextRetain(pos))
			}
			ops = append(ops, types.TextDelete(n))
			if rest := docLen - pos - n; rest > 0 {
				ops = append(ops, types.TextRetain(rest))
			}
		} else {
			letter := string(rune('a' + rng.Intn(26)))
			if pos > 0 {
				ops = append(ops, types.TextRetain(pos))
			}
			ops = append(ops, types.TextInsert(letter, nil))
			if rest := docLen - pos; rest > 0 {
				ops = append(ops, types.TextRetain(rest))
			}
		}

		d, err := types.NewTextDelta(ops)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// waitForConvergence polls until every client's pad shows the authority's
// document and nothing is left in flight.
func waitForConvergence(ctx context.Context, doc *authority.Doc, clients []*client) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return dumpDivergence(doc, clients)
		case <-ticker.C:
		}

		rev := doc.RevNum()
		converged := true
		for _, cl := range clients {
			snap := cl.rec.Snapshot()
			if snap == nil || snap.RevNum() != rev {
				converged = false
				break
			}
			if !cl.pad.Contents().Equals(doc.Snapshot().Contents()) {
				converged = false
				break
			}
		}
		if converged && rev == doc.RevNum() {
			return nil
		}
	}
}

// dumpDivergence renders every diverging document for post-mortem reading.
func dumpDivergence(doc *authority.Doc, clients []*client) error {
	litter.Config.HidePrivateFields = false
	msg := "writers did not converge\nauthority: " + litter.Sdump(doc.Snapshot().Contents().Ops())
	for _, cl := range clients {
		if cl.pad.Contents().Equals(doc.Snapshot().Contents()) {
			continue
		}
		msg += "\n" + cl.name + ": " + litter.Sdump(cl.pad.Contents().Ops())
	}
	return cli.Exit(msg, 1)
}

func newLogger(io io.Writer, level zerolog.Level) zerolog.Logger {
	logger := zerolog.New(io).With().Timestamp().Logger()
	return logger.Level(level)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
