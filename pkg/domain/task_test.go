package domain

import "testing"

func TestValidateRepoURL(t *testing.T) {
	cases := []struct {
		url string
		ok  bool
	}{
		{"https://github.com/owner/repo", true},
		{"https://github.com/owner/repo.git", true},
		{"https://bitbucket.org/owner/repo", true},
		{"https://gitlab.com/owner/repo", false},
		{"git@github.com:owner/repo.git", false},
		{"ftp://github.com/owner/repo", false},
	}
	for _, c := range cases {
		err := ValidateRepoURL(c.url)
		if (err == nil) != c.ok {
			t.Errorf("ValidateRepoURL(%q) error=%v, want ok=%v", c.url, err, c.ok)
		}
	}
}

func TestTaskValidate_DescriptionTooShort(t *testing.T) {
	task := &Task{Description: "too short", RepoURL: "https://github.com/a/b", Mode: ModeCode}
	if err := task.Validate(); err == nil {
		t.Fatal("expected validation error for short description")
	}
}

func TestTaskValidate_Happy(t *testing.T) {
	task := &Task{
		Description: "Fix the flaky test in the auth service module",
		RepoURL:     "https://github.com/x/y",
		Mode:        ModeCode,
	}
	if err := task.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestGeneratePRTitle_PrefixesWhenNoKnownVerb(t *testing.T) {
	got := GeneratePRTitle("improve logging in the worker")
	want := "fix: improve logging in the worker"
	if got != want {
		t.Errorf("GeneratePRTitle = %q, want %q", got, want)
	}
}

func TestGeneratePRTitle_NoDoublePrefix(t *testing.T) {
	for _, verb := range []string{"fix", "add", "update", "refactor", "remove"} {
		desc := verb + " the thing that broke in staging"
		got := GeneratePRTitle(desc)
		if got != desc {
			t.Errorf("GeneratePRTitle(%q) = %q, want unchanged", desc, got)
		}
	}
}

func TestGeneratePRTitle_Truncates(t *testing.T) {
	desc := "refactor " + repeatA(90)
	got := GeneratePRTitle(desc)
	runes := []rune(got)
	if len(runes) != 70 {
		t.Fatalf("len(got) = %d, want 70 (69 chars + ellipsis)", len(runes))
	}
	if runes[len(runes)-1] != '…' {
		t.Errorf("expected truncated title to end with ellipsis, got %q", got)
	}
}

func repeatA(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func TestParseRepoRef_RoundTripsHTTPSAndSSH(t *testing.T) {
	cases := []RepoRef{
		{Host: "github.com", Owner: "owner", Repo: "repo"},
		{Host: "bitbucket.org", Owner: "my-org", Repo: "my.repo_name"},
	}
	for _, want := range cases {
		got, err := ParseRepoRef(want.HTTPSURL())
		if err != nil {
			t.Fatalf("ParseRepoRef(%q): %v", want.HTTPSURL(), err)
		}
		if got != want {
			t.Errorf("ParseRepoRef(HTTPSURL()) = %+v, want %+v", got, want)
		}

		got, err = ParseRepoRef(want.SSHURL())
		if err != nil {
			t.Fatalf("ParseRepoRef(%q): %v", want.SSHURL(), err)
		}
		if got != want {
			t.Errorf("ParseRepoRef(SSHURL()) = %+v, want %+v", got, want)
		}
	}
}

func TestParseRepoRef_RejectsUnrecognizedForm(t *testing.T) {
	if _, err := ParseRepoRef("ftp://github.com/owner/repo"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestMarkCompleted_SetsTimestampsTogether(t *testing.T) {
	task := &Task{Status: TaskRunning}
	task.MarkCompleted("https://github.com/x/y/pull/1", 1)
	if task.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
	if task.DurationSeconds < 0 {
		t.Errorf("DurationSeconds = %v, want >= 0", task.DurationSeconds)
	}
	if task.Status != TaskCompleted {
		t.Errorf("Status = %v, want completed", task.Status)
	}
}
