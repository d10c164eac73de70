package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/internal/cloudinit"
	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/install"
	"github.com/jbweber/anvil/internal/output"
	"github.com/jbweber/anvil/internal/shell"
	"github.com/jbweber/anvil/internal/storage"
	"github.com/jbweber/anvil/internal/vmxml"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	verbose      bool
	keepMounted  bool
	skipSeed     bool
	outputFormat string
	noHeaders    bool
	domainName   string
	domainVCPUs  uint
	domainMemory uint
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Anvil - bootable disk image builder",
	Long: `Anvil builds bootable virtual disk images from simple YAML configuration.

It allocates or attaches a backing storage device, partitions it with a GUID
partition table, creates and mounts the filesystems, and installs an
operating system into the mounted tree.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	buildCmd.Flags().BoolVar(&keepMounted, "keep-mounted", false, "leave the image mounted after the build")
	buildCmd.Flags().BoolVar(&skipSeed, "no-seed", false, "skip writing the cloud-init seed ISO")

	inspectCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, yaml, json)")
	inspectCmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit the header row in table output")

	domainCmd.Flags().StringVar(&domainName, "name", "", "domain name (default: image file name)")
	domainCmd.Flags().UintVar(&domainVCPUs, "vcpus", 2, "number of virtual CPUs")
	domainCmd.Flags().UintVar(&domainMemory, "memory", 2, "memory in GiB")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(detachCmd)
	rootCmd.AddCommand(domainCmd)
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

var buildCmd = &cobra.Command{
	Use:   "build <config.yaml>",
	Short: "Build a disk image from a configuration file",
	Long: `Build a bootable disk image from a YAML configuration file.

The configuration defines the backing disk (physical device or image file),
the partition layout with filesystems, and what to install into the mounted
tree. Partitions are created strictly in layout order; the order in the file
is the on-disk numbering.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := args[0]
		fmt.Printf("Building image from config: %s\n", configPath)

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx := context.Background()
		log := newLogger()
		sh := shell.New(log)
		mgr := storage.NewManager(cfg.Storage, sh, log)

		if err := mgr.CreateBackingDevice(ctx); err != nil {
			return fmt.Errorf("failed to create backing device: %w", err)
		}
		fmt.Printf("✓ Backing device ready: %s\n", mgr.Device().Path())

		if !keepMounted {
			defer func() {
				if closeErr := mgr.Close(ctx); closeErr != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to release storage: %v\n", closeErr)
				}
			}()
		}

		if err := mgr.Format(ctx); err != nil {
			return fmt.Errorf("failed to format device: %w", err)
		}
		fmt.Printf("✓ Created %d partitions\n", len(cfg.Storage.Layout))

		if err := mgr.Mount(ctx); err != nil {
			return fmt.Errorf("failed to mount filesystems: %w", err)
		}
		fmt.Printf("✓ Mounted under %s\n", mgr.Root())

		if cfg.Install != nil {
			installer := install.New(mgr.Root(), shell.NewRunner(log), log)
			if err := installer.Install(ctx, cfg.Install); err != nil {
				return fmt.Errorf("failed to install system: %w", err)
			}
			fmt.Println("✓ System installed")

			if !skipSeed {
				seedPath, err := writeSeedISO(cfg)
				if err != nil {
					return fmt.Errorf("failed to write seed ISO: %w", err)
				}
				if seedPath != "" {
					fmt.Printf("✓ Seed ISO written: %s\n", seedPath)
				}
			}
		}

		if keepMounted {
			fmt.Printf("Image left mounted at %s\n", mgr.Root())
		}

		fmt.Println("✓ Image built successfully!")
		return nil
	},
}

// writeSeedISO writes the cloud-init NoCloud seed next to the image file.
// Physical disks have no image file to sit next to, so nothing is written.
func writeSeedISO(cfg *config.Config) (string, error) {
	if cfg.Storage.Disk.Type == config.DiskTypePhysical {
		return "", nil
	}

	iso, err := cloudinit.GenerateSeedISO(cfg.Install)
	if err != nil {
		return "", err
	}

	seedPath := seedISOPath(cfg.Storage.Disk.Path)
	if err := os.WriteFile(seedPath, iso, 0644); err != nil {
		return "", err
	}
	return seedPath, nil
}

func seedISOPath(imagePath string) string {
	ext := filepath.Ext(imagePath)
	return strings.TrimSuffix(imagePath, ext) + ".seed.iso"
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [device]",
	Short: "Show block devices",
	Long: `Show the kernel's view of one block device, or of all block devices,
including descendant partitions, filesystem types and mountpoints.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := output.ValidateFormat(outputFormat); err != nil {
			return err
		}

		ctx := context.Background()
		sh := shell.New(newLogger())

		formatter, err := output.NewFormatter(output.Options{
			Format:    output.Format(outputFormat),
			NoHeaders: noHeaders,
		})
		if err != nil {
			return err
		}

		var rendered string
		if len(args) == 1 {
			dev, err := sh.List(ctx, args[0])
			if err != nil {
				return err
			}
			rendered, err = formatter.FormatDevice(dev)
			if err != nil {
				return err
			}
		} else {
			devs, err := sh.ListAll(ctx)
			if err != nil {
				return err
			}
			rendered, err = formatter.FormatDeviceList(devs)
			if err != nil {
				return err
			}
		}

		fmt.Print(rendered)
		return nil
	},
}

var detachCmd = &cobra.Command{
	Use:   "detach <image-path>",
	Short: "Release loop bindings for an image file",
	Long: `Release every loop device backed by the given image file.

Useful after a build with --keep-mounted, or after a failed build that left
the image attached.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		imagePath := args[0]

		ctx := context.Background()
		sh := shell.New(newLogger())

		loops, err := sh.LoopAssociated(ctx, imagePath)
		if err != nil {
			return err
		}
		if len(loops) == 0 {
			fmt.Printf("No loop devices backed by %s\n", imagePath)
			return nil
		}

		for _, loop := range loops {
			if err := sh.LoopDetach(ctx, loop.Name); err != nil {
				return err
			}
			fmt.Printf("✓ Detached %s\n", loop.Name)
		}

		return nil
	},
}

var domainCmd = &cobra.Command{
	Use:   "domain <config.yaml>",
	Short: "Emit a libvirt domain XML for the built image",
	Long: `Emit a libvirt domain definition that boots the image described by the
configuration file. The XML is written to stdout; pipe it to virsh define to
register the domain.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if cfg.Storage.Disk.Type == config.DiskTypePhysical {
			return fmt.Errorf("domain XML is only generated for image-backed disks")
		}

		name := domainName
		if name == "" {
			base := filepath.Base(cfg.Storage.Disk.Path)
			name = strings.TrimSuffix(base, filepath.Ext(base))
		}

		spec := vmxml.Spec{
			Name:      name,
			ImagePath: cfg.Storage.Disk.Path,
			VCPUs:     domainVCPUs,
			MemoryGiB: domainMemory,
		}
		if cfg.Install != nil {
			seedPath := seedISOPath(cfg.Storage.Disk.Path)
			if _, err := os.Stat(seedPath); err == nil {
				spec.SeedISOPath = seedPath
			}
		}

		xml, err := vmxml.GenerateDomainXML(spec)
		if err != nil {
			return err
		}

		fmt.Println(xml)
		return nil
	},
}
