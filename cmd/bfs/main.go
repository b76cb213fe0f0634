// Command bfs manages bfs disk image files: formatting, inspection, and
// copying files in and out.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/atereshkin/bfs/device"
	"github.com/atereshkin/bfs/disks"
	"github.com/atereshkin/bfs/fs"
	"github.com/urfave/cli/v2"
)

var blockSizeFlag = &cli.UintFlag{
	Name:  "block-size",
	Usage: "bytes per block of the image",
	Value: 512,
}

func main() {
	app := cli.App{
		Name:  "bfs",
		Usage: "Manage bfs disk image files",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create or wipe an image",
				Action:    formatImage,
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "profile",
						Usage: "predefined geometry to format with (see `bfs profiles`)",
					},
					blockSizeFlag,
					&cli.UintFlag{
						Name:  "blocks",
						Usage: "total number of blocks (ignored with --profile)",
						Value: 8192,
					},
					&cli.UintFlag{
						Name:  "inodes",
						Usage: "number of inodes (ignored with --profile)",
						Value: 64,
					},
				},
			},
			{
				Name:   "profiles",
				Usage:  "List the predefined image geometries",
				Action: listProfiles,
			},
			{
				Name:      "info",
				Usage:     "Print the geometry and usage of an image",
				Action:    showInfo,
				ArgsUsage: "IMAGE",
				Flags:     []cli.Flag{blockSizeFlag},
			},
			{
				Name:      "ls",
				Usage:     "List the files in an image",
				Action:    listFiles,
				ArgsUsage: "IMAGE",
				Flags:     []cli.Flag{blockSizeFlag},
			},
			{
				Name:      "import",
				Usage:     "Copy a host file into an image",
				Action:    importFile,
				ArgsUsage: "IMAGE HOST_FILE [NAME]",
				Flags:     []cli.Flag{blockSizeFlag},
			},
			{
				Name:      "export",
				Usage:     "Copy a file out of an image",
				Action:    exportFile,
				ArgsUsage: "IMAGE NAME [HOST_FILE]",
				Flags:     []cli.Flag{blockSizeFlag},
			},
			{
				Name:      "cat",
				Usage:     "Write a file's contents to standard output",
				Action:    exportFile,
				ArgsUsage: "IMAGE NAME",
				Flags:     []cli.Flag{blockSizeFlag},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func formatImage(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one argument, the image path")
	}
	imagePath := ctx.Args().Get(0)

	bytesPerBlock := ctx.Uint("block-size")
	totalBlocks := ctx.Uint("blocks")
	inodeCount := ctx.Uint("inodes")

	if slug := ctx.String("profile"); slug != "" {
		profile, err := disks.GetProfile(slug)
		if err != nil {
			return err
		}
		bytesPerBlock = profile.BytesPerBlock
		totalBlocks = profile.TotalBlocks
		inodeCount = profile.Inodes
	}

	dev, err := device.CreateFileDevice(imagePath, bytesPerBlock, totalBlocks)
	if err != nil {
		return err
	}
	defer dev.Close()

	err = fs.Format(dev, fs.FormatOptions{InodeCount: inodeCount})
	if err != nil {
		return err
	}

	log.Printf(
		"formatted %s: %d blocks of %d bytes, %d inodes",
		imagePath,
		totalBlocks,
		bytesPerBlock,
		inodeCount,
	)
	return nil
}

func listProfiles(ctx *cli.Context) error {
	for _, profile := range disks.List() {
		fmt.Printf(
			"%-16s %s: %d x %dB blocks, %d inodes (%d bytes)\n",
			profile.Slug,
			profile.Name,
			profile.TotalBlocks,
			profile.BytesPerBlock,
			profile.Inodes,
			profile.TotalSizeBytes(),
		)
	}
	return nil
}

// mountImage opens and mounts the image named in the first CLI argument.
func mountImage(ctx *cli.Context) (*fs.FileSystem, *device.StreamDevice, error) {
	if ctx.NArg() < 1 {
		return nil, nil, fmt.Errorf("missing image path argument")
	}

	dev, err := device.OpenFileDevice(ctx.Args().Get(0), ctx.Uint("block-size"))
	if err != nil {
		return nil, nil, err
	}

	fsys, err := fs.Mount(dev)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return fsys, dev, nil
}

func showInfo(ctx *cli.Context) error {
	fsys, dev, err := mountImage(ctx)
	if err != nil {
		return err
	}
	defer dev.Close()

	sb := fsys.Superblock()
	fmt.Printf("bytes per block:  %d\n", sb.BytesPerBlock)
	fmt.Printf("total blocks:     %d\n", sb.TotalBlocks)
	fmt.Printf("inodes:           %d\n", sb.InodeCount)
	fmt.Printf("data blocks free: %d\n", fsys.FreeBlocks())
	fmt.Printf("files:            %d\n", len(fsys.ListFiles()))
	return nil
}

func listFiles(ctx *cli.Context) error {
	fsys, dev, err := mountImage(ctx)
	if err != nil {
		return err
	}
	defer dev.Close()

	for _, info := range fsys.ListFiles() {
		fmt.Printf("%8d  %s\n", info.Size, info.Name)
	}
	return nil
}

func importFile(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("expected IMAGE HOST_FILE [NAME]")
	}
	hostPath := ctx.Args().Get(1)

	name := ctx.Args().Get(2)
	if name == "" {
		name = hostPath
	}

	contents, err := os.ReadFile(hostPath)
	if err != nil {
		return err
	}

	fsys, dev, err := mountImage(ctx)
	if err != nil {
		return err
	}
	defer dev.Close()

	fd, err := fsys.Create(name)
	if err != nil {
		return err
	}

	_, err = fsys.Write(fd, contents)
	if err != nil {
		return err
	}

	err = fsys.Close(fd)
	if err != nil {
		return err
	}
	return fsys.Unmount()
}

func exportFile(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("expected IMAGE NAME [HOST_FILE]")
	}
	name := ctx.Args().Get(1)

	fsys, dev, err := mountImage(ctx)
	if err != nil {
		return err
	}
	defer dev.Close()

	fd, err := fsys.Open(name)
	if err != nil {
		return err
	}
	defer fsys.Close(fd)

	size, err := fsys.FileSize(fd)
	if err != nil {
		return err
	}

	contents := make([]byte, size)
	_, err = fsys.Read(fd, contents)
	if err != nil {
		return err
	}

	if hostPath := ctx.Args().Get(2); hostPath != "" {
		return os.WriteFile(hostPath, contents, 0o644)
	}

	_, err = os.Stdout.Write(contents)
	return err
}
