// Package cloudinit generates a NoCloud seed ISO for first-boot
// provisioning of a built image.
//
// The installation layer writes static state (packages, fstab, users) into
// the image; the seed carries the pieces that belong to the instance rather
// than the image, so one image can be stamped out many times. The ISO holds
// user-data and meta-data in its root and is labeled CIDATA, as the
// cloud-init NoCloud datasource requires.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kdomanski/iso9660"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/anvil/internal/config"
)

// UserData is the cloud-config user-data structure, marshaled to YAML under
// a "#cloud-config" header.
type UserData struct {
	Hostname string `yaml:"hostname,omitempty"`
	Users    []User `yaml:"users,omitempty"`
}

// User is one cloud-config user entry.
type User struct {
	Name              string   `yaml:"name"`
	Groups            string   `yaml:"groups,omitempty"`
	HashedPasswd      string   `yaml:"hashed_passwd,omitempty"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

// MetaData is the cloud-init meta-data structure.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname,omitempty"`
}

// GenerateUserData renders the user-data file from the install section,
// including the "#cloud-config" header.
func GenerateUserData(cfg *config.InstallConfig) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("install configuration cannot be nil")
	}

	userData := UserData{Hostname: cfg.Hostname}

	for _, u := range cfg.Users {
		userData.Users = append(userData.Users, User{
			Name:              u.Name,
			Groups:            strings.Join(u.Groups, ","),
			HashedPasswd:      u.PasswordHash,
			LockPasswd:        u.PasswordHash == "",
			SSHAuthorizedKeys: u.SSHKeys,
		})
	}

	data, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data: %w", err)
	}

	return "#cloud-config\n" + string(data), nil
}

// GenerateMetaData renders the meta-data file. The instance-id is fresh per
// seed so cloud-init reruns provisioning for every new instance of the
// image.
func GenerateMetaData(cfg *config.InstallConfig) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("install configuration cannot be nil")
	}

	metaData := MetaData{
		InstanceID:    "anvil-" + uuid.NewString(),
		LocalHostname: cfg.Hostname,
	}

	data, err := yaml.Marshal(&metaData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data: %w", err)
	}

	return string(data), nil
}

// GenerateSeedISO creates the NoCloud seed ISO image from the install
// section. Returns the ISO as a byte slice, ready to be written next to the
// disk image.
func GenerateSeedISO(cfg *config.InstallConfig) ([]byte, error) {
	userData, err := GenerateUserData(cfg)
	if err != nil {
		return nil, err
	}

	metaData, err := GenerateMetaData(cfg)
	if err != nil {
		return nil, err
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		_ = writer.Cleanup()
	}()

	if err := writer.AddFile(bytes.NewReader([]byte(userData)), "user-data"); err != nil {
		return nil, fmt.Errorf("failed to add user-data: %w", err)
	}
	if err := writer.AddFile(bytes.NewReader([]byte(metaData)), "meta-data"); err != nil {
		return nil, fmt.Errorf("failed to add meta-data: %w", err)
	}

	var buf bytes.Buffer
	// The CIDATA volume label is how the NoCloud datasource finds the seed.
	if err := writer.WriteTo(&buf, "CIDATA"); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}

	return buf.Bytes(), nil
}
