package processor

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classwatch/internal/config"
	"classwatch/internal/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func ptr[T any](v T) *T { return &v }

func testAlert() *models.Alert {
	t0 := time.Date(2024, 8, 26, 9, 0, 0, 0, time.UTC)
	return &models.Alert{
		ID:        "0b8e7d4c-2f61-4a58-9b1e-5d8c3f0a7e21",
		CreatedAt: t0.Add(time.Minute),
		Query:     models.NewQuery("CSE115", "Fall2024", "UGRAD", "A5"),
		Previous: &models.ClassRecord{CapturedAt: t0, Snapshot: models.ClassSnapshot{
			Section: "A5", Room: "NAC501", IsOpen: ptr(true), OpenSeats: ptr(3), TotalSeats: ptr(30),
		}},
		Current: models.ClassRecord{CapturedAt: t0.Add(time.Minute), Snapshot: models.ClassSnapshot{
			Section: "A5", Room: "NAC501", IsOpen: ptr(false), OpenSeats: ptr(0), TotalSeats: ptr(30),
		}},
		Subscribers: []int64{7, 11},
	}
}

func TestTransformDisabledPassesThrough(t *testing.T) {
	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: false}, quietLogger(), nil)
	require.NoError(t, err)

	alert := testAlert()
	out, err := tr.Transform(alert)
	require.NoError(t, err)
	assert.Same(t, alert, out)
	assert.Empty(t, out.RawJSON)
}

func TestTransformJavaScript(t *testing.T) {
	tests := []struct {
		name   string
		script string
		check  func(t *testing.T, out *models.Alert, err error)
	}{
		{
			name:   "reject with null",
			script: `function transform(alert) { return null; }`,
			check: func(t *testing.T, out *models.Alert, err error) {
				assert.ErrorIs(t, err, ErrAlertRejected)
				assert.Nil(t, out)
			},
		},
		{
			name: "anonymous function keeps full sections",
			script: `(function(alert) {
				if (alert.current.snapshot.open_seats > 0) { return null; }
				return alert;
			})`,
			check: func(t *testing.T, out *models.Alert, err error) {
				require.NoError(t, err)
				require.NotNil(t, out)
				assert.Equal(t, []int64{7, 11}, out.Subscribers)
			},
		},
		{
			name: "add fields and drop subscribers",
			script: `function transform(alert) {
				console.log("transforming", alert.id);
				alert.subscribers = alert.subscribers.filter(function(id) { return id !== 7; });
				alert.summary = alert.query.course + " closed";
				return alert;
			}`,
			check: func(t *testing.T, out *models.Alert, err error) {
				require.NoError(t, err)
				assert.Equal(t, []int64{11}, out.Subscribers)

				var doc map[string]interface{}
				require.NoError(t, json.Unmarshal(out.RawJSON, &doc))
				assert.Equal(t, "CSE115 closed", doc["summary"])
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			tr, err := NewTransformer(&config.ProcessorConfig{Enabled: true}, quietLogger(), nil)
			require.NoError(t, err)
			require.NoError(t, tr.LoadScript(testCase.script))

			out, err := tr.Transform(testAlert())
			testCase.check(t, out, err)
		})
	}
}

func TestTransformJavaScriptLeavesInputUntouched(t *testing.T) {
	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: true}, quietLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, tr.LoadScript(`function transform(alert) {
		alert.subscribers = [1];
		alert.previous.snapshot.room = "SAC210";
		return alert;
	}`))

	alert := testAlert()
	out, err := tr.Transform(alert)
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, out.Subscribers)
	assert.Equal(t, "SAC210", out.Previous.Snapshot.Room)
	assert.Equal(t, []int64{7, 11}, alert.Subscribers)
	assert.Equal(t, "NAC501", alert.Previous.Snapshot.Room)
}

func TestLoadScriptInvalid(t *testing.T) {
	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: true}, quietLogger(), nil)
	require.NoError(t, err)

	assert.Error(t, tr.LoadScript(`function (`))
	assert.Error(t, tr.LoadScript(`var x = 1;`))
}

func TestNewTransformerReadsScriptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transform.js")
	require.NoError(t, os.WriteFile(path, []byte(`function transform(alert) { return null; }`), 0o600))

	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: path}, quietLogger(), nil)
	require.NoError(t, err)

	_, err = tr.Transform(testAlert())
	assert.ErrorIs(t, err, ErrAlertRejected)

	_, err = NewTransformer(&config.ProcessorConfig{Enabled: true, Script: filepath.Join(t.TempDir(), "missing.js")}, quietLogger(), nil)
	assert.Error(t, err)
}

func TestTransformRules(t *testing.T) {
	tests := []struct {
		name  string
		rule  config.TransformRule
		check func(t *testing.T, current map[string]interface{})
	}{
		{
			name: "include",
			rule: config.TransformRule{Include: []string{"section", "OPEN_SEATS"}},
			check: func(t *testing.T, current map[string]interface{}) {
				assert.Len(t, current, 2)
				assert.Equal(t, "A5", current["section"])
				assert.EqualValues(t, 0, current["open_seats"])
			},
		},
		{
			name: "exclude",
			rule: config.TransformRule{Exclude: []string{"room", "total_seats"}},
			check: func(t *testing.T, current map[string]interface{}) {
				assert.NotContains(t, current, "room")
				assert.NotContains(t, current, "total_seats")
				assert.Contains(t, current, "is_open")
			},
		},
		{
			name: "rename and add fields",
			rule: config.TransformRule{
				Course:    "cse115",
				Rename:    map[string]string{"open_seats": "seats_left"},
				AddFields: map[string]string{"campus": "Bashundhara"},
			},
			check: func(t *testing.T, current map[string]interface{}) {
				assert.NotContains(t, current, "open_seats")
				assert.EqualValues(t, 0, current["seats_left"])
				assert.Equal(t, "Bashundhara", current["campus"])
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.ProcessorConfig{Enabled: true, Rules: []config.TransformRule{testCase.rule}}
			tr, err := NewTransformer(cfg, quietLogger(), nil)
			require.NoError(t, err)

			out, err := tr.Transform(testAlert())
			require.NoError(t, err)
			require.NotEmpty(t, out.RawJSON)

			var doc map[string]interface{}
			require.NoError(t, json.Unmarshal(out.RawJSON, &doc))
			current := doc["current"].(map[string]interface{})["snapshot"].(map[string]interface{})
			testCase.check(t, current)

			previous := doc["previous"].(map[string]interface{})["snapshot"].(map[string]interface{})
			assert.Equal(t, len(current), len(previous))
		})
	}
}

func TestTransformRulesNoMatch(t *testing.T) {
	cfg := &config.ProcessorConfig{Enabled: true, Rules: []config.TransformRule{{Program: "GRAD", Exclude: []string{"room"}}}}
	tr, err := NewTransformer(cfg, quietLogger(), nil)
	require.NoError(t, err)

	alert := testAlert()
	out, err := tr.Transform(alert)
	require.NoError(t, err)
	assert.Same(t, alert, out)
}
