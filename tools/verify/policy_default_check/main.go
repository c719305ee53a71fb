package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/go-devpipe/internal/policy"
)

func main() {
	p, err := policy.Load(filepath.Join(os.TempDir(), "devpipe-missing-policy.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	assertFalse := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if got {
			ok = false
		}
	}
	assertTrue := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if !got {
			ok = false
		}
	}

	assertTrue("default_restrict_agent6_push", p.Restricted("agent6", policy.OpGitPush))
	assertTrue("default_restrict_agent4_sudo", p.Restricted("agent4", policy.OpSudo))
	assertFalse("default_restrict_agent7_push", p.Restricted("agent7", policy.OpGitPush))
	assertTrue("default_protect_main", p.BranchProtected("main"))
	assertTrue("default_dangerous_ssh", p.PortDangerous(22))
	assertFalse("default_allow_rm", p.CommandAllowed("rm"))
	assertTrue("git_push_critical", policy.IsCritical(policy.OpGitPush))

	dir, err := os.MkdirTemp("", "devpipe-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, "policy.yaml")
	valid := "restrictions:\n  agent9: [git_push]\nallowed_commands: [ls, go]\n"
	if err := os.WriteFile(policyPath, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	initial, err := policy.Load(policyPath)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	live := policy.NewLivePolicy(initial, policyPath)

	invalid := "restrictions:\n  agent9: [git_push]\ndangerous_ports: [70000]\n"
	if err := os.WriteFile(policyPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := policy.ReloadFromFile(live, policyPath)
	fmt.Printf("reload_error_present=%v\n", reloadErr != nil)
	if reloadErr == nil {
		ok = false
	}

	snap := live.Snapshot()
	assertTrue("retain_previous_restriction", snap.Restricted("agent9", policy.OpGitPush))
	assertTrue("retain_previous_command", snap.CommandAllowed("go"))
	assertFalse("reject_invalid_port", snap.PortDangerous(70000))

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
