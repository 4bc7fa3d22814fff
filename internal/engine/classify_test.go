package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dealhound/fetchengine/internal/fetch"
	"github.com/dealhound/fetchengine/internal/strategy"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyResultClasses(t *testing.T) {
	c := NewClassifier(nil, nil)
	job := fetch.Job{URL: "https://shop.example.com/p/1", Domain: "shop.example.com", Fields: []string{"price"}}

	cases := []struct {
		name   string
		result fetch.RawResult
		want   fetch.Classification
	}{
		{
			name:   "ok with fields",
			result: fetch.RawResult{StatusCode: 200, Fields: map[string]string{"price": "9.99"}},
			want:   fetch.ClassSuccess,
		},
		{
			name:   "ok but empty shell",
			result: fetch.RawResult{StatusCode: 200, Body: []byte("<html></html>")},
			want:   fetch.ClassBlockDetected,
		},
		{
			name:   "server error",
			result: fetch.RawResult{StatusCode: 502},
			want:   fetch.ClassRetryable,
		},
		{
			name:   "throttled",
			result: fetch.RawResult{StatusCode: 429},
			want:   fetch.ClassRetryable,
		},
		{
			name:   "gone for good",
			result: fetch.RawResult{StatusCode: 404},
			want:   fetch.ClassFatal,
		},
		{
			name:   "bare forbidden",
			result: fetch.RawResult{StatusCode: 403, Body: []byte("nope")},
			want:   fetch.ClassBlockDetected,
		},
		{
			name:   "interstitial marker",
			result: fetch.RawResult{StatusCode: 503, Body: []byte("Checking your browser... Attention Required!")},
			want:   fetch.ClassBlockDetected,
		},
		{
			name:   "captcha challenge",
			result: fetch.RawResult{StatusCode: 403, Body: []byte(`<div class="g-recaptcha"></div>`)},
			want:   fetch.ClassCaptchaChallenge,
		},
		{
			name:   "captcha block signal",
			result: fetch.RawResult{StatusCode: 200, BlockSignals: []string{"marker:captcha"}},
			want:   fetch.ClassCaptchaChallenge,
		},
		{
			name:   "renderer block signal",
			result: fetch.RawResult{StatusCode: 200, BlockSignals: []string{"status:403"}, Fields: map[string]string{"price": "9.99"}},
			want:   fetch.ClassBlockDetected,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, c.Classify(job, tc.result, nil))
		})
	}
}

func TestClassifyCleanPageMentioningCaptcha(t *testing.T) {
	c := NewClassifier(nil, nil)
	job := fetch.Job{URL: "https://shop.example.com/p/1", Domain: "shop.example.com", Fields: []string{"price"}}

	// A product page whose footer mentions captchas must not be mistaken
	// for a challenge.
	result := fetch.RawResult{
		StatusCode: 200,
		Body:       []byte("We use captcha on checkout. Buy now!"),
		Fields:     map[string]string{"price": "9.99"},
	}
	require.Equal(t, fetch.ClassSuccess, c.Classify(job, result, nil))
}

func TestClassifyErrors(t *testing.T) {
	c := NewClassifier(nil, nil)
	job := fetch.Job{URL: "https://shop.example.com/p/1", Domain: "shop.example.com"}

	require.Equal(t, fetch.ClassFatal, c.Classify(job, fetch.RawResult{}, fetch.Fatalf("bad job")))
	require.Equal(t, fetch.ClassBlockDetected, c.Classify(job, fetch.RawResult{}, strategy.ErrNoEndpoint))
	require.Equal(t, fetch.ClassRetryable, c.Classify(job, fetch.RawResult{}, timeoutErr{}))
	require.Equal(t, fetch.ClassRetryable, c.Classify(job, fetch.RawResult{}, context.DeadlineExceeded))
	require.Equal(t, fetch.ClassRetryable, c.Classify(job, fetch.RawResult{}, errors.New("connection reset")))
}

func TestClassifyCustomMarkers(t *testing.T) {
	c := NewClassifier([]string{"our wall"}, []string{"our puzzle"})
	job := fetch.Job{URL: "https://shop.example.com/p/1", Domain: "shop.example.com", Fields: []string{"price"}}

	blocked := fetch.RawResult{StatusCode: 503, Body: []byte("OUR WALL says no")}
	require.Equal(t, fetch.ClassBlockDetected, c.Classify(job, blocked, nil))

	challenged := fetch.RawResult{StatusCode: 503, Body: []byte("solve OUR PUZZLE to continue")}
	require.Equal(t, fetch.ClassCaptchaChallenge, c.Classify(job, challenged, nil))
}
