// Command efsutil is a small outer-layer tool for poking at EFS volumes from
// the shell: format a new image file, list the root directory, write a new
// file's contents, and dump a file's contents.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/efscore/efs/block"
	"github.com/efscore/efs/fs"
	"github.com/efscore/efs/inode"
	"github.com/efscore/efs/layout"
)

func main() {
	app := cli.App{
		Usage: "Format, inspect, and read EFS volume files",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create (or wipe) an EFS volume file",
				Action:    formatVolume,
				ArgsUsage: "IMAGE_FILE TOTAL_BLOCKS INODE_BITMAP_BLOCKS",
			},
			{
				Name:      "ls",
				Usage:     "List the root directory of an EFS volume",
				Action:    listRoot,
				ArgsUsage: "IMAGE_FILE",
			},
			{
				Name:      "cat",
				Usage:     "Print the contents of a root-level file",
				Action:    catFile,
				ArgsUsage: "IMAGE_FILE NAME",
			},
			{
				Name:      "put",
				Usage:     "Create a root-level file from stdin",
				Action:    putFile,
				ArgsUsage: "IMAGE_FILE NAME",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("efsutil: %s", err.Error())
	}
}

func formatVolume(ctx *cli.Context) error {
	if ctx.Args().Len() != 3 {
		return fmt.Errorf("usage: efsutil format IMAGE_FILE TOTAL_BLOCKS INODE_BITMAP_BLOCKS")
	}
	path := ctx.Args().Get(0)
	var totalBlocks, inodeBitmapBlocks uint64
	if _, err := fmt.Sscanf(ctx.Args().Get(1), "%d", &totalBlocks); err != nil {
		return fmt.Errorf("bad TOTAL_BLOCKS: %w", err)
	}
	if _, err := fmt.Sscanf(ctx.Args().Get(2), "%d", &inodeBitmapBlocks); err != nil {
		return fmt.Errorf("bad INODE_BITMAP_BLOCKS: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := file.Truncate(int64(totalBlocks) * layout.BlockSize); err != nil {
		return err
	}

	dev := block.NewFileDevice(file, layout.BlockSize, uint(totalBlocks))
	fs.Create(dev, uint32(totalBlocks), uint32(inodeBitmapBlocks))
	fmt.Printf("formatted %s: %d blocks, %d inode bitmap blocks\n", path, totalBlocks, inodeBitmapBlocks)
	return nil
}

func openManager(ctx *cli.Context, path string) (*fs.Manager, *os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	totalBlocks := uint(info.Size() / layout.BlockSize)
	dev := block.NewFileDevice(file, layout.BlockSize, totalBlocks)
	return fs.Open(dev), file, nil
}

func listRoot(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return fmt.Errorf("usage: efsutil ls IMAGE_FILE")
	}
	m, file, err := openManager(ctx, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	defer file.Close()

	root := inode.RootInode(m)
	for _, name := range root.Ls() {
		fmt.Println(name)
	}
	return nil
}

func catFile(ctx *cli.Context) error {
	if ctx.Args().Len() != 2 {
		return fmt.Errorf("usage: efsutil cat IMAGE_FILE NAME")
	}
	m, file, err := openManager(ctx, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	defer file.Close()

	root := inode.RootInode(m)
	target := root.Find(ctx.Args().Get(1))
	if target == nil {
		return fmt.Errorf("no such file: %s", ctx.Args().Get(1))
	}

	buf := make([]byte, 4096)
	offset := 0
	for {
		n := target.ReadAt(offset, buf)
		if n == 0 {
			break
		}
		os.Stdout.Write(buf[:n])
		offset += n
	}
	return nil
}

func putFile(ctx *cli.Context) error {
	if ctx.Args().Len() != 2 {
		return fmt.Errorf("usage: efsutil put IMAGE_FILE NAME")
	}
	m, file, err := openManager(ctx, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	defer file.Close()

	name := ctx.Args().Get(1)
	root := inode.RootInode(m)
	target := root.Create(name)
	if target == nil {
		return fmt.Errorf("cannot create %s: name already exists or is longer than %d bytes", name, layout.MaxNameLength)
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	target.WriteAt(0, data)
	fmt.Printf("wrote %d bytes to %s\n", len(data), name)
	return nil
}
