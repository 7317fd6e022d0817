package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/imamik/vmpilot/internal/remote"
)

const stateDir = "/var/lib/vmpilot/hardening"

const reloadSSHD = "systemctl reload ssh 2>/dev/null || systemctl reload sshd 2>/dev/null || true"

const sshdBaseline = `PasswordAuthentication no
KbdInteractiveAuthentication no
PermitRootLogin prohibit-password
PermitEmptyPasswords no`

const sshdStrict = `MaxAuthTries 4
X11Forwarding no
AllowTcpForwarding no
ClientAliveInterval 300
ClientAliveCountMax 2`

const sysctlCIS = `net.ipv4.conf.all.accept_redirects = 0
net.ipv4.conf.all.send_redirects = 0
net.ipv4.conf.all.accept_source_route = 0
net.ipv4.conf.all.log_martians = 1
net.ipv4.tcp_syncookies = 1
kernel.randomize_va_space = 2`

// profileBodies hold the steps of each profile. They run after the original
// sshd configuration has been saved and before the marker is written.
var profileBodies = map[string][]string{
	"ssh-baseline": {
		writeFile("/etc/ssh/sshd_config.d/50-vmpilot.conf", sshdBaseline),
		reloadSSHD,
	},
	"cis-level1": {
		writeFile("/etc/ssh/sshd_config.d/50-vmpilot.conf", sshdBaseline+"\n"+sshdStrict),
		writeFile("/etc/sysctl.d/60-vmpilot.conf", sysctlCIS),
		"sysctl --system >/dev/null",
		reloadSSHD,
	},
	"locked-down": {
		writeFile("/etc/ssh/sshd_config.d/50-vmpilot.conf", sshdBaseline+"\n"+sshdStrict+"\nAllowAgentForwarding no"),
		writeFile("/etc/sysctl.d/60-vmpilot.conf", sysctlCIS+"\nnet.ipv4.ip_forward = 0"),
		"sysctl --system >/dev/null",
		"chmod 700 /root",
		reloadSSHD,
	},
}

func writeFile(path, content string) string {
	return fmt.Sprintf("mkdir -p %s && cat > %s <<'VMPILOT'\n%s\nVMPILOT", dirOf(path), path, content)
}

func dirOf(path string) string {
	if i := strings.LastIndex(path, "/"); i > 0 {
		return path[:i]
	}
	return "/"
}

// Profiles returns the names of the hardening profiles the SSH hardener knows.
func Profiles() []string {
	names := make([]string, 0, len(profileBodies))
	for name := range profileBodies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func markerPath(profile string) string {
	return stateDir + "/" + profile
}

// hardenScript applies profile unless its marker exists.
func hardenScript(profile string) (string, bool) {
	body, ok := profileBodies[profile]
	if !ok {
		return "", false
	}
	marker := markerPath(profile)
	lines := []string{
		"set -eu",
		fmt.Sprintf("if [ -f %s ]; then echo already-applied; exit 0; fi", marker),
		"mkdir -p " + stateDir,
		fmt.Sprintf("[ -f %[1]s/sshd_config.orig ] || cp /etc/ssh/sshd_config %[1]s/sshd_config.orig", stateDir),
	}
	lines = append(lines, body...)
	lines = append(lines, "touch "+marker)
	return strings.Join(lines, "\n"), true
}

// revertScript undoes profile when its marker exists.
func revertScript(profile string) string {
	marker := markerPath(profile)
	return strings.Join([]string{
		"set -eu",
		fmt.Sprintf("if [ ! -f %s ]; then echo not-applied; exit 0; fi", marker),
		"rm -f /etc/ssh/sshd_config.d/50-vmpilot.conf /etc/sysctl.d/60-vmpilot.conf",
		fmt.Sprintf("if [ -f %[1]s/sshd_config.orig ]; then cp %[1]s/sshd_config.orig /etc/ssh/sshd_config; fi", stateDir),
		"sysctl --system >/dev/null || true",
		reloadSSHD,
		"rm -f " + marker,
	}, "\n")
}

// Hardener applies hardening profiles over SSH. It implements remote.Hardener.
type Hardener struct {
	base     Config
	firewall remote.Hardener
	logger   *slog.Logger
}

var _ remote.Hardener = (*Hardener)(nil)

// HardenerOption configures a Hardener.
type HardenerOption func(*Hardener)

// WithFirewall chains a cloud-side hardener. It runs before the SSH profile
// on Harden and after it on Revert.
func WithFirewall(h remote.Hardener) HardenerOption {
	return func(hd *Hardener) { hd.firewall = h }
}

// WithHardenerLogger sets the logger.
func WithHardenerLogger(l *slog.Logger) HardenerOption {
	return func(hd *Hardener) { hd.logger = l }
}

// NewHardener creates a Hardener. base carries the user, key and connection
// budgets; its Host is replaced by each target's address.
func NewHardener(base Config, opts ...HardenerOption) (*Hardener, error) {
	if base.User == "" {
		return nil, fmt.Errorf("config user cannot be empty")
	}
	if _, err := ssh.ParsePrivateKey(base.PrivateKey); err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	h := &Hardener{base: base, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Harden applies target.Profile to the machine at target.Address.
func (h *Hardener) Harden(ctx context.Context, target remote.HardenTarget) error {
	script, ok := hardenScript(target.Profile)
	if !ok {
		return remote.Errorf(remote.ErrInvalid, "harden", "unknown hardening profile %q", target.Profile)
	}
	if h.firewall != nil {
		if err := h.firewall.Harden(ctx, target); err != nil {
			return err
		}
	}
	out, err := h.run(ctx, "harden", target, script)
	if err != nil {
		return err
	}
	h.logger.Info("hardening applied",
		"server", target.Server.String(),
		"profile", target.Profile,
		"reused", strings.Contains(out, "already-applied"))
	return nil
}

// Revert undoes target.Profile. Reverting a profile that was never applied
// is a no-op.
func (h *Hardener) Revert(ctx context.Context, target remote.HardenTarget) error {
	if _, ok := profileBodies[target.Profile]; !ok {
		return remote.Errorf(remote.ErrInvalid, "revert_hardening", "unknown hardening profile %q", target.Profile)
	}
	if _, err := h.run(ctx, "revert_hardening", target, revertScript(target.Profile)); err != nil {
		return err
	}
	h.logger.Info("hardening reverted", "server", target.Server.String(), "profile", target.Profile)
	if h.firewall != nil {
		return h.firewall.Revert(ctx, target)
	}
	return nil
}

func (h *Hardener) run(ctx context.Context, op string, target remote.HardenTarget, script string) (string, error) {
	if target.Address == "" {
		return "", remote.Errorf(remote.ErrInvalid, op, "server %s has no address", target.Server)
	}
	cfg := h.base
	cfg.Host = target.Address
	client, err := NewClient(&cfg)
	if err != nil {
		return "", &remote.Error{Kind: remote.ErrInvalid, Op: op, Message: "invalid ssh configuration", Err: err}
	}
	out, err := client.Execute(ctx, script)
	if err != nil {
		return out, classify(op, err)
	}
	return out, nil
}

// classify maps SSH failures to remote error kinds. An unreachable host is
// transient. A failing script is not: running it again fails the same way.
func classify(op string, err error) error {
	var (
		dialErr *DialError
		cmdErr  *CommandError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &remote.Error{Kind: remote.ErrTimeout, Op: op, Message: "ssh command timed out", Err: err}
	case errors.As(err, &dialErr):
		return &remote.Error{Kind: remote.ErrUnavailable, Op: op, Code: "ssh_unreachable", Message: dialErr.Error(), Err: err}
	case errors.As(err, &cmdErr):
		return &remote.Error{Kind: remote.ErrInvalid, Op: op, Code: "script_failed", Message: strings.TrimSpace(cmdErr.Output), Err: err}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
