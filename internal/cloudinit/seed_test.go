package cloudinit

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/anvil/internal/config"
)

func testInstallConfig() *config.InstallConfig {
	return &config.InstallConfig{
		Base:     "archlinux",
		Hostname: "builder",
		Users: []config.User{
			{
				Name:    "ops",
				Groups:  []string{"wheel", "docker"},
				SSHKeys: []string{"ssh-ed25519 AAAA ops@host"},
			},
			{
				Name:         "deploy",
				PasswordHash: "$6$salt$hash",
			},
		},
	}
}

func TestGenerateUserData(t *testing.T) {
	out, err := GenerateUserData(testInstallConfig())
	if err != nil {
		t.Fatalf("GenerateUserData() error = %v", err)
	}

	if !strings.HasPrefix(out, "#cloud-config\n") {
		t.Error("user-data missing #cloud-config header")
	}

	var parsed UserData
	if err := yaml.Unmarshal([]byte(strings.TrimPrefix(out, "#cloud-config\n")), &parsed); err != nil {
		t.Fatalf("user-data is not valid YAML: %v", err)
	}

	if parsed.Hostname != "builder" {
		t.Errorf("hostname = %q", parsed.Hostname)
	}
	if len(parsed.Users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(parsed.Users))
	}

	ops := parsed.Users[0]
	if ops.Name != "ops" || ops.Groups != "wheel,docker" {
		t.Errorf("ops user = %+v", ops)
	}
	// Accounts without a password hash must come out locked.
	if !ops.LockPasswd {
		t.Error("ops should have a locked password")
	}
	if len(ops.SSHAuthorizedKeys) != 1 {
		t.Errorf("ops ssh keys = %v", ops.SSHAuthorizedKeys)
	}

	deploy := parsed.Users[1]
	if deploy.LockPasswd {
		t.Error("deploy has a password hash and should not be locked")
	}
	if deploy.HashedPasswd != "$6$salt$hash" {
		t.Errorf("deploy hash = %q", deploy.HashedPasswd)
	}
}

func TestGenerateUserDataNilConfig(t *testing.T) {
	if _, err := GenerateUserData(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestGenerateMetaData(t *testing.T) {
	first, err := GenerateMetaData(testInstallConfig())
	if err != nil {
		t.Fatalf("GenerateMetaData() error = %v", err)
	}

	var parsed MetaData
	if err := yaml.Unmarshal([]byte(first), &parsed); err != nil {
		t.Fatalf("meta-data is not valid YAML: %v", err)
	}
	if !strings.HasPrefix(parsed.InstanceID, "anvil-") {
		t.Errorf("instance-id = %q", parsed.InstanceID)
	}
	if parsed.LocalHostname != "builder" {
		t.Errorf("local-hostname = %q", parsed.LocalHostname)
	}

	// Each seed gets a fresh instance-id so cloud-init reruns provisioning.
	second, err := GenerateMetaData(testInstallConfig())
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Error("instance-id should differ between seeds")
	}
}

func TestGenerateSeedISO(t *testing.T) {
	iso, err := GenerateSeedISO(testInstallConfig())
	if err != nil {
		t.Fatalf("GenerateSeedISO() error = %v", err)
	}

	// The primary volume descriptor sits at byte 32768 and starts with
	// type 0x01 followed by the "CD001" standard identifier.
	if len(iso) < 32774 {
		t.Fatalf("ISO too small: %d bytes", len(iso))
	}
	if string(iso[32769:32774]) != "CD001" {
		t.Error("missing ISO 9660 standard identifier")
	}
}

func TestGenerateSeedISONilConfig(t *testing.T) {
	if _, err := GenerateSeedISO(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}
