// Package install populates a mounted root tree with an operating system.
//
// It consumes the mounted root path exposed by the storage layer and runs
// the distribution bootstrap plus chroot-scoped provisioning: packages,
// fstab, hostname, locale, timezone, services and users. Everything goes
// through the same injectable Runner as the command layer, so the whole
// package tests without root privileges.
package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/shell"
)

// Installer installs an Arch-based system into a mounted root tree.
type Installer struct {
	root string
	run  shell.Runner
	log  *logrus.Logger
}

// New creates an installer targeting the mounted tree at root.
func New(root string, run shell.Runner, log *logrus.Logger) *Installer {
	return &Installer{root: root, run: run, log: log}
}

// Install runs the full provisioning sequence described by cfg.
func (in *Installer) Install(ctx context.Context, cfg *config.InstallConfig) error {
	if cfg.Base != "archlinux" {
		return fmt.Errorf("unsupported base %q", cfg.Base)
	}

	if err := in.Bootstrap(ctx, cfg.Packages); err != nil {
		return err
	}
	if err := in.WriteFstab(ctx); err != nil {
		return err
	}
	if cfg.Hostname != "" {
		if err := in.SetHostname(cfg.Hostname); err != nil {
			return err
		}
	}
	if cfg.Locale != "" {
		if err := in.SetLocale(ctx, cfg.Locale); err != nil {
			return err
		}
	}
	if cfg.Timezone != "" {
		if err := in.SetTimezone(ctx, cfg.Timezone); err != nil {
			return err
		}
	}
	if err := in.EnableServices(ctx, cfg.Services); err != nil {
		return err
	}
	for i := range cfg.Users {
		if err := in.AddUser(ctx, &cfg.Users[i]); err != nil {
			return err
		}
	}

	return nil
}

// Bootstrap installs the base system and the requested packages with
// pacstrap. -c shares the host package cache; -K initializes a fresh keyring
// inside the target.
func (in *Installer) Bootstrap(ctx context.Context, packages []string) error {
	in.log.WithField("packages", len(packages)).Info("bootstrapping base system")

	args := []string{"-c", "-K", in.root, "base"}
	args = append(args, packages...)

	if _, err := in.run.Run(ctx, "pacstrap", args...); err != nil {
		return fmt.Errorf("pacstrap failed: %w", err)
	}
	return nil
}

// Chroot runs a command inside the target tree via arch-chroot.
func (in *Installer) Chroot(ctx context.Context, args ...string) error {
	full := append([]string{in.root}, args...)
	if _, err := in.run.Run(ctx, "arch-chroot", full...); err != nil {
		return fmt.Errorf("chroot %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

// WriteFstab generates /etc/fstab from the current mounts with genfstab -U
// so entries reference filesystem UUIDs, which survive the move from loop
// device to real hardware.
func (in *Installer) WriteFstab(ctx context.Context) error {
	out, err := in.run.Run(ctx, "genfstab", "-U", in.root)
	if err != nil {
		return fmt.Errorf("genfstab failed: %w", err)
	}

	fstab := filepath.Join(in.root, "etc", "fstab")
	if err := os.WriteFile(fstab, out, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", fstab, err)
	}
	return nil
}

// SetHostname writes /etc/hostname in the target tree.
func (in *Installer) SetHostname(hostname string) error {
	path := filepath.Join(in.root, "etc", "hostname")
	if err := os.WriteFile(path, []byte(hostname+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// SetLocale writes /etc/locale.conf and regenerates locales in the target.
func (in *Installer) SetLocale(ctx context.Context, locale string) error {
	conf := filepath.Join(in.root, "etc", "locale.conf")
	if err := os.WriteFile(conf, []byte("LANG="+locale+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", conf, err)
	}

	gen := filepath.Join(in.root, "etc", "locale.gen")
	if err := os.WriteFile(gen, []byte(locale+" UTF-8\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", gen, err)
	}

	return in.Chroot(ctx, "locale-gen")
}

// SetTimezone links /etc/localtime inside the target.
func (in *Installer) SetTimezone(ctx context.Context, tz string) error {
	return in.Chroot(ctx, "ln", "-sf", "/usr/share/zoneinfo/"+tz, "/etc/localtime")
}

// EnableServices enables systemd units inside the target.
func (in *Installer) EnableServices(ctx context.Context, services []string) error {
	if len(services) == 0 {
		return nil
	}
	args := append([]string{"systemctl", "enable"}, services...)
	return in.Chroot(ctx, args...)
}

// AddUser creates one account inside the target: useradd, optional password
// hash, optional authorized SSH keys.
func (in *Installer) AddUser(ctx context.Context, u *config.User) error {
	args := []string{"useradd", "--create-home"}
	if len(u.Groups) > 0 {
		args = append(args, "--groups", strings.Join(u.Groups, ","))
	}
	args = append(args, u.Name)

	if err := in.Chroot(ctx, args...); err != nil {
		return err
	}

	if u.PasswordHash != "" {
		if err := in.Chroot(ctx, "usermod", "--password", u.PasswordHash, u.Name); err != nil {
			return err
		}
	}

	if len(u.SSHKeys) > 0 {
		if err := in.writeAuthorizedKeys(ctx, u); err != nil {
			return err
		}
	}

	return nil
}

func (in *Installer) writeAuthorizedKeys(ctx context.Context, u *config.User) error {
	sshDir := filepath.Join(in.root, "home", u.Name, ".ssh")
	if err := os.MkdirAll(sshDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", sshDir, err)
	}

	keys := strings.Join(u.SSHKeys, "\n") + "\n"
	path := filepath.Join(sshDir, "authorized_keys")
	if err := os.WriteFile(path, []byte(keys), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	// Files were written from outside the chroot as root; hand them to the
	// user they belong to.
	return in.Chroot(ctx, "chown", "-R", u.Name+":"+u.Name, "/home/"+u.Name+"/.ssh")
}
