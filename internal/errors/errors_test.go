package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestLookupComponentMatchesAudioPipelinePackages(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"github.com/nightwatch-av/procaudio/internal/ringbuf.(*Buffer).Push":                    "ringbuf",
		"github.com/nightwatch-av/procaudio/internal/resample.New":                              "resample",
		"github.com/nightwatch-av/procaudio/internal/audiochannel.(*Channel).Ingest":             "audiochannel",
		"github.com/nightwatch-av/procaudio/internal/shmring.(*Writer).TryWrite":                 "shmring",
		"github.com/nightwatch-av/procaudio/internal/capturereader.(*Reader).dispatch":           "capturereader",
		"github.com/nightwatch-av/procaudio/internal/mixer.(*Engine).tick":                       "mixer",
		"github.com/nightwatch-av/procaudio/internal/hookcapture.(*ShmWriterProducer).WriteFrame": "hookcapture",
		"github.com/nightwatch-av/procaudio/internal/target.Resolve":                             "target",
		"github.com/nightwatch-av/procaudio/internal/sink.(*WAVSink).Write":                      "sink",
		"github.com/nightwatch-av/procaudio/internal/conf.Load":                                  "configuration",
	}

	for funcName, want := range cases {
		got := lookupComponent(funcName)
		if got != want {
			t.Errorf("lookupComponent(%q) = %q, want %q", funcName, got, want)
		}
	}
}

func TestLookupComponentFallsBackToLastPathSegmentForUnregisteredPackages(t *testing.T) {
	t.Parallel()

	got := lookupComponent("github.com/nightwatch-av/procaudio/internal/someunregisteredpkg.DoThing")
	if got != "someunregisteredpkg" {
		t.Errorf("expected fallback to the package's own name, got %q", got)
	}
}

func TestDetectCategoryMapsEachAudioPipelineComponent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		component string
		want      ErrorCategory
	}{
		{"audiochannel", CategoryAudioChannel},
		{"ringbuf", CategoryRingBuffer},
		{"resample", CategoryResample},
		{"shmring", CategoryShmRing},
		{"capturereader", CategoryCaptureReader},
		{"mixer", CategoryMixer},
		{"hookcapture", CategoryHookCapture},
		{"target", CategoryTargetResolve},
		{"sink", CategorySink},
		{"configuration", CategoryConfiguration},
	}

	// A message with no category-suggestive keywords forces detectCategory
	// to fall through to the component switch rather than the keyword
	// shortcuts above it.
	err := fmt.Errorf("unspecified failure")
	for _, tc := range cases {
		got := detectCategory(err, tc.component)
		if got != tc.want {
			t.Errorf("detectCategory(_, %q) = %q, want %q", tc.component, got, tc.want)
		}
	}
}

func TestStreamContextAttachesStreamIdentityToErrorContext(t *testing.T) {
	t.Parallel()

	ee := New(fmt.Errorf("ingest failed")).
		Component("audiochannel").
		Category(CategoryAudioChannel).
		StreamContext(99, 48000, 2).
		Build()

	ctx := ee.GetContext()
	if ctx["stream_id"] != uint64(99) {
		t.Errorf("expected stream_id 99, got %v", ctx["stream_id"])
	}
	if ctx["sample_rate"] != 48000 {
		t.Errorf("expected sample_rate 48000, got %v", ctx["sample_rate"])
	}
	if ctx["channels"] != 2 {
		t.Errorf("expected channels 2, got %v", ctx["channels"])
	}
}

func TestStreamContextOmitsNonPositiveRateAndChannels(t *testing.T) {
	t.Parallel()

	ee := New(fmt.Errorf("malformed record")).
		StreamContext(7, 0, 0).
		Build()

	ctx := ee.GetContext()
	if _, ok := ctx["sample_rate"]; ok {
		t.Error("sample_rate should be omitted when non-positive")
	}
	if _, ok := ctx["channels"]; ok {
		t.Error("channels should be omitted when non-positive")
	}
	if ctx["stream_id"] != uint64(7) {
		t.Errorf("expected stream_id 7, got %v", ctx["stream_id"])
	}
}

func TestFastPathNoTelemetry(t *testing.T) {
	t.Parallel()
	
	// Ensure no telemetry or hooks
	SetTelemetryReporter(nil)
	ClearErrorHooks()

	// Create an error - should use fast path
	err := fmt.Errorf("test error")
	ee := New(err).Build()

	if ee.Err.Error() != "test error" {
		t.Errorf("Expected error message 'test error', got '%s'", ee.Err.Error())
	}

	if ee.GetComponent() != "unknown" {
		t.Errorf("Expected component 'unknown' in fast path, got '%s'", ee.GetComponent())
	}

	if ee.Category != CategoryGeneric {
		t.Errorf("Expected category 'generic' in fast path, got '%s'", ee.Category)
	}
}

func TestRegexPrecompilation(t *testing.T) {
	t.Parallel()
	
	// Test that regex patterns are pre-compiled and work correctly
	
	// Test URL scrubbing
	testMessage1 := "Error at https://api.example.com?api_key=secret123&token=abc"
	scrubbed1 := basicURLScrub(testMessage1)
	expected1 := "Error at https://api.example.com?[REDACTED]"
	if scrubbed1 != expected1 {
		t.Errorf("URL scrubbing failed. Expected: %s, got: %s", expected1, scrubbed1)
	}
	
	// Test API key scrubbing in non-URL context
	testMessage2 := "Config error: api_key=secret123 is invalid"
	scrubbed2 := basicURLScrub(testMessage2)
	if !strings.Contains(scrubbed2, "[API_KEY_REDACTED]") {
		t.Errorf("API key scrubbing failed. Expected to contain '[API_KEY_REDACTED]', got: %s", scrubbed2)
	}
	
	// Test multiple patterns
	testMessage3 := "Auth failed with token=abc123 and auth=xyz789"
	scrubbed3 := basicURLScrub(testMessage3)
	if strings.Contains(scrubbed3, "abc123") || strings.Contains(scrubbed3, "xyz789") {
		t.Errorf("Token scrubbing failed. Sensitive data still present: %s", scrubbed3)
	}
}