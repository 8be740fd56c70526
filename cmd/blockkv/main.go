// Command blockkv inspects and moves files in and out of a block store
// from the command line.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/blockkv/blockkv/pkg/blockfs"
)

const version = "0.1.0"

// CLI defines the command-line interface for blockkv.
var CLI struct {
	DB string `name:"db" help:"Store directory path" type:"path" default:"./data/blockkv"`

	Ls      LsCmd      `cmd:"" help:"List files in the store"`
	Stat    StatCmd    `cmd:"" help:"Show one file's metadata"`
	Dump    DumpCmd    `cmd:"" help:"Hex-dump one block of a file"`
	Import  ImportCmd  `cmd:"" help:"Import a local file into the store"`
	Export  ExportCmd  `cmd:"" help:"Export a file from the store"`
	Rm      RmCmd      `cmd:"" help:"Delete a file from the store"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

func openBackend() (*blockfs.Backend, error) {
	be, err := blockfs.Open(CLI.DB)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", CLI.DB, err)
	}
	return be, nil
}

// LsCmd lists files in the store.
type LsCmd struct{}

func (c *LsCmd) Run() error {
	be, err := openBackend()
	if err != nil {
		return err
	}
	defer be.Close()

	infos, err := be.List(context.Background())
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}

	if len(infos) == 0 {
		fmt.Printf("No files in %s\n", CLI.DB)
		return nil
	}

	for _, info := range infos {
		fmt.Printf("  %-40s %10s  (block size %d)\n",
			info.Name, humanize.IBytes(uint64(info.Size)), info.BlockSize)
	}
	fmt.Printf("\nTotal: %d file(s)\n", len(infos))
	return nil
}

// StatCmd shows one file's metadata.
type StatCmd struct {
	Name string `arg:"" help:"File name in the store"`
}

func (c *StatCmd) Run() error {
	be, err := openBackend()
	if err != nil {
		return err
	}
	defer be.Close()

	f, err := be.OpenFile(context.Background(), c.Name, blockfs.OpenOptions{})
	if err != nil {
		if errors.Is(err, blockfs.ErrCannotOpen) {
			return fmt.Errorf("no such file: %s", c.Name)
		}
		return err
	}
	defer f.Close()

	size := f.Size()
	blockSize := int64(f.SectorSize())
	blocks := (size + blockSize - 1) / blockSize

	fmt.Printf("File: %s\n", c.Name)
	fmt.Printf("  Size: %d bytes (%s)\n", size, humanize.IBytes(uint64(size)))
	fmt.Printf("  Block size: %d\n", blockSize)
	fmt.Printf("  Blocks: %d\n", blocks)
	return nil
}

// DumpCmd hex-dumps one block of a file.
type DumpCmd struct {
	Name  string `arg:"" help:"File name in the store"`
	Index uint32 `arg:"" help:"Block index"`
}

func (c *DumpCmd) Run() error {
	be, err := openBackend()
	if err != nil {
		return err
	}
	defer be.Close()

	ctx := context.Background()
	f, err := be.OpenFile(ctx, c.Name, blockfs.OpenOptions{})
	if err != nil {
		if errors.Is(err, blockfs.ErrCannotOpen) {
			return fmt.Errorf("no such file: %s", c.Name)
		}
		return err
	}
	defer f.Close()

	if err := f.Lock(ctx, blockfs.LockShared); err != nil {
		return fmt.Errorf("lock %s: %w", c.Name, err)
	}
	defer f.Unlock(ctx, blockfs.LockNone)

	blockSize := f.SectorSize()
	data, err := f.ReadAt(ctx, int64(c.Index)*int64(blockSize), blockSize)
	if errors.Is(err, blockfs.ErrShortRead) {
		return fmt.Errorf("block %d is past the end of %s", c.Index, c.Name)
	}
	if err != nil {
		return fmt.Errorf("read block %d: %w", c.Index, err)
	}

	sum := blake3.Sum256(data)
	fmt.Printf("Block %d of %s (%d bytes)\n", c.Index, c.Name, len(data))
	fmt.Printf("  BLAKE3: %s\n\n", hex.EncodeToString(sum[:]))
	fmt.Print(hex.Dump(data))
	return nil
}

// ImportCmd imports a local file into the store.
type ImportCmd struct {
	Path      string `arg:"" help:"Local file to import" type:"existingfile"`
	As        string `help:"Name inside the store (defaults to the base name)"`
	BlockSize int    `name:"block-size" help:"Block size when the file is created" default:"4096"`
}

func (c *ImportCmd) Run() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return fmt.Errorf("read %s: %w", c.Path, err)
	}

	name := c.As
	if name == "" {
		name = filepath.Base(c.Path)
	}

	be, err := openBackend()
	if err != nil {
		return err
	}
	defer be.Close()

	ctx := context.Background()
	f, err := be.OpenFile(ctx, name, blockfs.OpenOptions{Create: true, BlockSize: c.BlockSize})
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	blockSize := f.SectorSize()
	if err := blockfs.WriteFull(ctx, f, data); err != nil {
		return fmt.Errorf("import %s: %w", name, err)
	}

	fmt.Printf("Imported: %s\n", c.Path)
	fmt.Printf("  Name: %s\n", name)
	fmt.Printf("  Size: %s\n", humanize.IBytes(uint64(len(data))))
	fmt.Printf("  Blocks: %d\n", (len(data)+blockSize-1)/blockSize)
	return nil
}

// ExportCmd exports a file from the store.
type ExportCmd struct {
	Name string `arg:"" help:"File name in the store"`
	Out  string `arg:"" help:"Output path" type:"path"`
	XZ   bool   `name:"xz" help:"Compress the output with xz"`
}

func (c *ExportCmd) Run() error {
	be, err := openBackend()
	if err != nil {
		return err
	}
	defer be.Close()

	ctx := context.Background()
	f, err := be.OpenFile(ctx, c.Name, blockfs.OpenOptions{})
	if err != nil {
		if errors.Is(err, blockfs.ErrCannotOpen) {
			return fmt.Errorf("no such file: %s", c.Name)
		}
		return err
	}
	defer f.Close()

	content, err := blockfs.ReadFull(ctx, f)
	if err != nil {
		return fmt.Errorf("export %s: %w", c.Name, err)
	}

	if c.XZ {
		var buf bytes.Buffer
		xzw, err := xz.NewWriter(&buf)
		if err != nil {
			return fmt.Errorf("create xz writer: %w", err)
		}
		if _, err := xzw.Write(content); err != nil {
			return fmt.Errorf("compress %s: %w", c.Name, err)
		}
		if err := xzw.Close(); err != nil {
			return fmt.Errorf("close xz stream: %w", err)
		}
		content = buf.Bytes()
	}

	if err := os.WriteFile(c.Out, content, 0644); err != nil {
		return fmt.Errorf("write %s: %w", c.Out, err)
	}

	fmt.Printf("Exported: %s\n", c.Name)
	fmt.Printf("  Output: %s (%s)\n", c.Out, humanize.IBytes(uint64(len(content))))
	return nil
}

// RmCmd deletes a file from the store.
type RmCmd struct {
	Name string `arg:"" help:"File name to delete"`
}

func (c *RmCmd) Run() error {
	be, err := openBackend()
	if err != nil {
		return err
	}
	defer be.Close()

	if err := be.Delete(context.Background(), c.Name); err != nil {
		if errors.Is(err, blockfs.ErrNotFound) {
			return fmt.Errorf("no such file: %s", c.Name)
		}
		return err
	}

	fmt.Printf("Deleted: %s\n", c.Name)
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("blockkv version %s\n", version)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("blockkv"),
		kong.Description("Block store inspection and transfer tool"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
