package claude

import "testing"

func TestBuildArgsBaseline(t *testing.T) {
	args := buildArgs(&Config{}, "")
	want := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if len(args) != len(want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, args)
		}
	}
}

func TestBuildArgsResumeAndTools(t *testing.T) {
	args := buildArgs(&Config{
		DangerouslySkipPermissions: true,
		AllowedTools:               []string{"Bash", "Read"},
	}, "sess-7")

	if !contains(args, "--dangerously-skip-permissions") {
		t.Fatalf("expected skip-permissions flag, got %v", args)
	}
	if !contains(args, "Bash,Read") {
		t.Fatalf("expected comma-joined allowed tools, got %v", args)
	}
	if !contains(args, "--resume") || !contains(args, "sess-7") {
		t.Fatalf("expected resume flag with session id, got %v", args)
	}
}

func contains(items []string, want string) bool {
	for _, i := range items {
		if i == want {
			return true
		}
	}
	return false
}

func TestGetCapabilities(t *testing.T) {
	e := New(nil, nil)
	caps := e.GetCapabilities()
	if !caps.SupportsApprovals || !caps.SupportsMidExecution {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
}

func TestSendMessageWithoutSpawnedProcessErrors(t *testing.T) {
	e := New(nil, nil)
	if err := e.SendMessage("unknown", "hi"); err == nil {
		t.Fatalf("expected error for unknown process")
	}
}
