// Command mmrofs manipulates MMROFS partition images offline. The images it
// produces are byte-identical to what a device running the same code would
// hold, so they can be flashed directly.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/aligator/mmrofs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "mmrofs",
		Usage: "inspect and modify MMROFS partition images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Aliases:  []string{"i"},
				Usage:    "partition image file",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "mkfs",
				Usage:     "create a fresh, fully erased image",
				ArgsUsage: "<size-bytes>",
				Action:    runMkfs,
			},
			{
				Name:   "ls",
				Usage:  "list all files",
				Action: withFs(runLs),
			},
			{
				Name:      "cat",
				Usage:     "print a file's content to stdout",
				ArgsUsage: "<name>",
				Action:    withFs(runCat),
			},
			{
				Name:      "put",
				Usage:     "copy a local file into the image",
				ArgsUsage: "<local-path> <name>",
				Action:    withFs(runPut),
			},
			{
				Name:      "get",
				Usage:     "copy a file out of the image",
				ArgsUsage: "<name> <local-path>",
				Action:    withFs(runGet),
			},
			{
				Name:      "rm",
				Usage:     "delete a file",
				ArgsUsage: "<name>",
				Action:    withFs(runRm),
			},
			{
				Name:      "mv",
				Usage:     "rename a file",
				ArgsUsage: "<src> <dst>",
				Action:    withFs(runMv),
			},
			{
				Name:      "stat",
				Usage:     "print a file's metadata",
				ArgsUsage: "<name>",
				Action:    withFs(runStat),
			},
			{
				Name:   "fsck",
				Usage:  "mount the image, which runs recovery, and report the tree",
				Action: withFs(runLs),
			},
			{
				Name:   "defrag",
				Usage:  "forward-compact the data region",
				Action: withFs(runDefrag),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func runMkfs(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("mkfs needs the image size in bytes", 1)
	}
	var size uint32
	if _, err := fmt.Sscanf(c.Args().Get(0), "%d", &size); err != nil {
		return err
	}
	dev, err := mmrofs.CreateFileDevice(c.String("image"), size)
	if err != nil {
		return err
	}
	defer dev.Close()

	// Mounting once initializes nothing on a blank image but proves the
	// geometry is usable.
	_, err = mmrofs.Mount(mmrofs.MountConfig{Device: dev})
	return err
}

// withFs opens the image, mounts it and hands the filesystem to the action.
func withFs(action func(*cli.Context, *mmrofs.Fs) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		dev, err := mmrofs.OpenFileDevice(c.String("image"))
		if err != nil {
			return err
		}
		defer dev.Close()

		fs, err := mmrofs.Mount(mmrofs.MountConfig{Device: dev})
		if err != nil {
			return err
		}
		return action(c, fs)
	}
}

func runLs(c *cli.Context, fs *mmrofs.Fs) error {
	return afero.Walk(fs, "", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		fmt.Printf("%10d  %s  %s\n", info.Size(), info.ModTime().Format("2006-01-02 15:04:05"), path)
		return nil
	})
}

func runCat(c *cli.Context, fs *mmrofs.Fs) error {
	if c.NArg() != 1 {
		return cli.Exit("cat needs a file name", 1)
	}
	f, err := fs.Open(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(os.Stdout, f)
	return err
}

func runPut(c *cli.Context, fs *mmrofs.Fs) error {
	if c.NArg() != 2 {
		return cli.Exit("put needs a local path and a file name", 1)
	}
	src, err := os.Open(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := fs.Create(c.Args().Get(1))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func runGet(c *cli.Context, fs *mmrofs.Fs) error {
	if c.NArg() != 2 {
		return cli.Exit("get needs a file name and a local path", 1)
	}
	src, err := fs.Open(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(c.Args().Get(1))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func runRm(c *cli.Context, fs *mmrofs.Fs) error {
	if c.NArg() != 1 {
		return cli.Exit("rm needs a file name", 1)
	}
	return fs.Remove(c.Args().Get(0))
}

func runMv(c *cli.Context, fs *mmrofs.Fs) error {
	if c.NArg() != 2 {
		return cli.Exit("mv needs a source and a destination name", 1)
	}
	return fs.Rename(c.Args().Get(0), c.Args().Get(1))
}

func runStat(c *cli.Context, fs *mmrofs.Fs) error {
	if c.NArg() != 1 {
		return cli.Exit("stat needs a file name", 1)
	}
	info, err := fs.Stat(c.Args().Get(0))
	if err != nil {
		return err
	}
	fmt.Printf("name:  %s\nsize:  %d\nmode:  %s\nmtime: %s\n",
		info.Name(), info.Size(), info.Mode(), info.ModTime().Format("2006-01-02 15:04:05"))
	return nil
}

func runDefrag(c *cli.Context, fs *mmrofs.Fs) error {
	return fs.DefragmentData()
}
