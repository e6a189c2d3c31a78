/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"tileboard/internal/board"
	"tileboard/internal/config"
	"tileboard/internal/crash"
	"tileboard/internal/domain"
	"tileboard/internal/export"
	applog "tileboard/internal/log"
	"tileboard/internal/persist"
	"tileboard/internal/render"
	"tileboard/internal/resolve"
	"tileboard/internal/server"
	"tileboard/internal/session"
	"tileboard/internal/telemetry"
	"tileboard/internal/version"
	"tileboard/internal/watch"
)

func usage() {
	fmt.Println("tileboard: reorder image tiles across blocks")
	fmt.Printf("Version: %s\n", version.String())
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tileboard version|-v|--version                      Show version")
	fmt.Println("  tileboard serve [<dir>]                             Serve the board page and API")
	fmt.Println("  tileboard show [<dir>]                              Print the board")
	fmt.Println("  tileboard move <dir> <srcBlock> <srcIdx> <dstBlock> <dstIdx>")
	fmt.Println("                                                      Move a tile and save")
	fmt.Println("  tileboard add <dir> <block> <image>                 Append an image and save")
	fmt.Println("  tileboard remove <dir> <block> <image>              Remove an image and save")
	fmt.Println("  tileboard reset <dir>                               Restore index.json as the saved order")
	fmt.Println("  tileboard scan <dir>                                Write extensions_map.json from images/")
	fmt.Println("  tileboard validate <file>                           Check a board document")
	fmt.Println("  tileboard export <dir> <out.pdf|out.zip>            Export a contact sheet or bundle")
	fmt.Println("  tileboard revisions <dir>                           List saved revisions (sqlite source)")
}

func main() { os.Exit(run(os.Args)) }

func run(args []string) int {
	cfg, secret, cfgErr := config.Load()
	applog.Init(applog.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.Source,
		File:      cfg.Logging.File,
	})
	l := applog.WithComponent("cli")
	if cfgErr != nil {
		l.Warn("config not loaded, using defaults", slog.Any("err", cfgErr))
	}

	telCfg := telemetry.FromEnv()
	telCfg.OptIn = telCfg.OptIn || cfg.General.TelemetryOptIn
	tel := telemetry.New(telCfg)
	defer tel.Close()

	target := &crash.Target{Uploader: tel}
	defer crash.Recover(target)

	l.Debug("start", slog.Int("args", len(args)))
	if len(args) < 2 {
		usage()
		return 0
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[1], args[2:]
	var err error
	switch cmd {
	case "version", "--version", "-v":
		fmt.Println("tileboard")
		fmt.Println(version.String())
		return 0
	case "help", "-h", "--help":
		usage()
		return 0
	case "serve":
		cfg.Anchor(optArg(rest, 0))
		err = serve(ctx, cfg, secret, tel, target)
	case "show":
		cfg.Anchor(optArg(rest, 0))
		err = show(ctx, cfg, secret, tel, target)
	case "move":
		if len(rest) < 5 {
			return badUsage("move requires <dir> <srcBlock> <srcIdx> <dstBlock> <dstIdx>")
		}
		si, e1 := strconv.Atoi(rest[2])
		di, e2 := strconv.Atoi(rest[4])
		if e1 != nil || e2 != nil {
			return badUsage("move indices must be integers")
		}
		cfg.Anchor(rest[0])
		err = mutate(ctx, cfg, secret, tel, target, func(s *session.Session) (session.Result, error) {
			return s.Move(domain.BlockID(rest[1]), si, domain.BlockID(rest[3]), di)
		})
	case "add", "remove":
		if len(rest) < 3 {
			return badUsage(cmd + " requires <dir> <block> <image>")
		}
		cfg.Anchor(rest[0])
		block, image := domain.BlockID(rest[1]), domain.ImageID(rest[2])
		err = mutate(ctx, cfg, secret, tel, target, func(s *session.Session) (session.Result, error) {
			if cmd == "add" {
				return s.Add(block, image)
			}
			return s.Remove(block, image)
		})
	case "reset":
		if len(rest) < 1 {
			return badUsage("reset requires <dir>")
		}
		cfg.Anchor(rest[0])
		err = resetToOriginal(ctx, cfg, secret)
	case "scan":
		if len(rest) < 1 {
			return badUsage("scan requires <dir>")
		}
		cfg.Anchor(rest[0])
		err = scan(cfg)
	case "validate":
		if len(rest) < 1 {
			return badUsage("validate requires <file>")
		}
		err = validate(rest[0])
	case "export":
		if len(rest) < 2 {
			return badUsage("export requires <dir> <out.pdf|out.zip>")
		}
		cfg.Anchor(rest[0])
		err = exportBoard(ctx, cfg, secret, tel, rest[1])
	case "revisions":
		if len(rest) < 1 {
			return badUsage("revisions requires <dir>")
		}
		cfg.Anchor(rest[0])
		err = revisions(ctx, cfg)
	default:
		fmt.Println("unknown command:", cmd)
		usage()
		return 2
	}
	if err != nil {
		l.Error("command failed", slog.String("cmd", cmd), slog.Any("err", err))
		fmt.Println("Error:", err)
		return 1
	}
	return 0
}

func optArg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func badUsage(msg string) int {
	fmt.Println(msg)
	usage()
	return 2
}

func serve(ctx context.Context, cfg config.AppConfig, secret string, tel telemetry.Recorder, target *crash.Target) error {
	l := applog.WithComponent("cli")
	a, err := openApp(ctx, cfg, secret, tel, appOptions{withCache: true, autoSave: cfg.General.AutoSave})
	if err != nil {
		return err
	}
	defer a.close()
	target.Dir = cfg.Source.Dir
	target.Document = a.sess.Document

	if res, err := a.sess.Load(ctx); err != nil {
		// The page shows the guidance and offers Open/Reload.
		l.Warn("initial load failed", slog.String("status", res.Status.Message))
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Assets.Watch {
		w, err := watch.New(cfg.Assets.ImagesDir, a.resolver, a.thumbs)
		if err == nil {
			err = w.Start(gctx)
		}
		if err != nil {
			l.Warn("image watcher disabled", slog.Any("err", err))
		} else {
			g.Go(func() error {
				<-gctx.Done()
				w.Stop()
				return nil
			})
		}
	}
	srv := server.New(server.Options{
		Session:        a.sess,
		Thumbs:         a.thumbs,
		ImagesDir:      cfg.Assets.ImagesDir,
		RequestTimeout: cfg.Server.RequestTimeout(),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Server.Addr) })
	fmt.Printf("tileboard serving %s on http://%s\n", cfg.Source.Dir, cfg.Server.Addr)
	return g.Wait()
}

func show(ctx context.Context, cfg config.AppConfig, secret string, tel telemetry.Recorder, target *crash.Target) error {
	a, err := openApp(ctx, cfg, secret, tel, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	target.Document = a.sess.Document
	if err := a.loadOrFail(ctx); err != nil {
		return err
	}
	printTree(a.sess.Tree())
	return nil
}

func printTree(res session.Result) {
	if res.Source != "" {
		fmt.Println("Source:", res.Source)
	}
	for _, sec := range res.Board.Blocks {
		fmt.Printf("Block %s (%d)\n", sec.Title, sec.Count)
		for _, tile := range sec.Tiles {
			fmt.Printf("  %3d  %-20s %s\n", tile.Index, tile.Image, tile.Path)
		}
	}
	fmt.Printf("%d blocks, %d images\n", len(res.Board.Blocks), res.Board.Total)
}

// mutate loads the board, applies op and persists the result. The bundled
// demo is never used here: saving it would shadow the user's index.json.
func mutate(ctx context.Context, cfg config.AppConfig, secret string, tel telemetry.Recorder, target *crash.Target, op func(*session.Session) (session.Result, error)) error {
	cfg.Source.Fallback = false
	a, err := openApp(ctx, cfg, secret, tel, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	target.Dir = cfg.Source.Dir
	target.Document = a.sess.Document
	if err := a.loadOrFail(ctx); err != nil {
		return err
	}
	res, err := op(a.sess)
	if err != nil {
		return fmt.Errorf("%s", res.Status.Message)
	}
	if res, err = a.sess.Save(ctx); err != nil {
		return fmt.Errorf("%s", res.Status.Message)
	}
	fmt.Println(res.Status.Message)
	return nil
}

// resetToOriginal saves index.json as the current order. The replaced
// index_updated.json is kept under backups/.
func resetToOriginal(ctx context.Context, cfg config.AppConfig, secret string) error {
	ad, err := persist.New(ctx, cfg.Source, secret)
	if err != nil {
		return err
	}
	defer func() { _ = persist.Close(ad) }()
	if fb, ok := ad.(*persist.Fallback); ok {
		ad = fb.Primary
	}
	f, ok := ad.(*persist.File)
	if !ok {
		return fmt.Errorf("reset needs the file source, not %s", ad.Name())
	}
	raw, err := os.ReadFile(f.OriginalPath())
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	c, err := board.Parse(raw)
	if err != nil {
		return err
	}
	out, err := board.Encode(c)
	if err != nil {
		return err
	}
	if err := f.Persist(ctx, out); err != nil {
		return err
	}
	fmt.Println("Restored", persist.OriginalFileName, "as", persist.UpdatedFileName)
	return nil
}

func scan(cfg config.AppConfig) error {
	t, err := resolve.ScanDir(cfg.Assets.ImagesDir)
	if err != nil {
		return err
	}
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	if err := persist.WriteAtomic(cfg.Assets.ExtensionTable, data); err != nil {
		return err
	}
	fmt.Printf("Wrote %d entries to %s\n", len(t), cfg.Assets.ExtensionTable)
	return nil
}

func validate(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c, err := board.Parse(raw)
	if err != nil {
		return err
	}
	fmt.Printf("%s: valid, %d blocks, %d images\n", path, c.Len(), c.Total())
	return nil
}

func exportBoard(ctx context.Context, cfg config.AppConfig, secret string, tel telemetry.Recorder, out string) error {
	format, err := export.FormatFor(out)
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, secret, tel, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.loadOrFail(ctx); err != nil {
		return err
	}
	c, err := a.sess.Collection()
	if err != nil {
		return err
	}
	tree := render.Project(c, a.resolver)
	var buf bytes.Buffer
	switch format {
	case export.FormatPDF:
		err = export.WritePDF(tree, a.thumbs, &buf, export.PDFOptions{})
	case export.FormatZIP:
		var doc []byte
		if doc, err = a.sess.Document(); err == nil {
			err = export.WriteArchive(tree, doc, a.thumbs, &buf)
		}
	}
	if err != nil {
		return err
	}
	if err := persist.WriteAtomic(out, buf.Bytes()); err != nil {
		return err
	}
	fmt.Printf("Exported %d blocks to %s\n", len(tree.Blocks), out)
	return nil
}

func revisions(ctx context.Context, cfg config.AppConfig) error {
	if cfg.Source.Kind != config.SourceSQLite {
		return errors.New("revisions needs source.kind: sqlite")
	}
	s, err := persist.OpenSQLite(ctx, cfg.Source.SQLitePath, cfg.Source.Document)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	revs, err := s.Revisions(ctx, 20)
	if err != nil {
		return err
	}
	if len(revs) == 0 {
		fmt.Println("No revisions saved yet.")
		return nil
	}
	for _, r := range revs {
		fmt.Printf("%s  %s  %d bytes\n", r.ID, r.SavedAt.Format("2006-01-02 15:04:05"), r.Size)
	}
	return nil
}
