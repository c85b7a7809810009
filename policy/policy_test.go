package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/warp/attendance-engine/policy"
)

// =============================================================================
// PARSING
// =============================================================================

func TestParse_EmptyDocumentKeepsDefaults(t *testing.T) {
	p, err := policy.Parse([]byte("{}"))
	require.NoError(t, err)

	def := policy.Default()
	assert.Equal(t, def.LatenessCutoff, p.LatenessCutoff)
	assert.Equal(t, def.EndOfDay, p.EndOfDay)
	assert.Equal(t, 2*time.Hour, p.MinimumDwell)
	assert.Equal(t, 20, p.MinReasonLength)
	assert.Equal(t, 400.0, p.CheckInTolerance.DeviceRadii[policy.DeviceMobile])
	assert.Equal(t, 300.0, p.CheckOutTolerance.DeviceRadii[policy.DeviceMobile])
}

func TestParse_OverridesFromYAML(t *testing.T) {
	doc := `
name: head-office
timezone: Asia/Jakarta
lateness_cutoff: "08:30"
lateness_grace: 5m
end_of_day: "16:30"
minimum_dwell: 90m
min_reason_length: 10
check_in_tolerance:
  device_radii: {mobile: 150, Desktop: 900}
  client_tolerances:
    enabled: true
    entries: {kiosk-1: 250}
  global_fallback: 1200
exemptions:
  roles: [director]
  departments: [field-sales]
  weekends: false
acquisition:
  sample_count: 5
  sampled_device_classes: [tablet]
`
	p, err := policy.Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "head-office", p.Name)
	assert.Equal(t, "Asia/Jakarta", p.Loc().String())
	assert.Equal(t, policy.NewTimeOfDay(8, 30), p.LatenessCutoff)
	assert.Equal(t, 5*time.Minute, p.LatenessGrace)
	assert.Equal(t, policy.NewTimeOfDay(16, 30), p.EndOfDay)
	assert.Equal(t, 90*time.Minute, p.MinimumDwell)
	assert.Equal(t, 10, p.MinReasonLength)

	assert.Equal(t, 150.0, p.CheckInTolerance.DeviceRadii[policy.DeviceMobile])
	assert.Equal(t, 900.0, p.CheckInTolerance.DeviceRadii[policy.DeviceDesktop])
	assert.Equal(t, 500.0, p.CheckInTolerance.DeviceRadii[policy.DeviceTablet], "unlisted classes keep defaults")
	assert.True(t, p.CheckInTolerance.ClientTolerances.Enabled)
	assert.Equal(t, 250.0, p.CheckInTolerance.ClientTolerances.Entries["kiosk-1"])
	assert.Equal(t, 1200.0, p.CheckInTolerance.GlobalFallback)

	assert.Equal(t, []string{"director"}, p.Exemptions.Roles)
	assert.False(t, p.Exemptions.Weekends)
	assert.Equal(t, 5, p.Acquisition.SampleCount)
	assert.Equal(t, []policy.DeviceClass{policy.DeviceTablet}, p.Acquisition.SampledDeviceClasses)
}

func TestParse_RejectsInvalidPolicies(t *testing.T) {
	cases := map[string]string{
		"bad cutoff":         `lateness_cutoff: "9am"`,
		"bad duration":       `minimum_dwell: "two hours"`,
		"unknown device":     `check_in_tolerance: {device_radii: {watch: 10}}`,
		"negative radius":    `check_out_tolerance: {device_radii: {mobile: -1}}`,
		"end before cutoff":  `{lateness_cutoff: "18:00", end_of_day: "17:00"}`,
		"unknown timezone":   `timezone: Mars/Olympus`,
		"bad sampled device": `acquisition: {sampled_device_classes: [phone]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := policy.Parse([]byte(doc))
			assert.ErrorIs(t, err, policy.ErrInvalidPolicy)
		})
	}
}

func TestToFile_RoundTripsThroughBuild(t *testing.T) {
	def := policy.Default()
	def.Exemptions.Roles = []string{"director"}

	rebuilt, err := policy.ToFile(def).Build()
	require.NoError(t, err)
	assert.Equal(t, def.CheckInTolerance.DeviceRadii, rebuilt.CheckInTolerance.DeviceRadii)
	assert.Equal(t, def.MinimumDwell, rebuilt.MinimumDwell)
	assert.Equal(t, def.Exemptions.Roles, rebuilt.Exemptions.Roles)
}

// =============================================================================
// TIME HELPERS
// =============================================================================

func TestTimeOfDay_On(t *testing.T) {
	loc := time.FixedZone("WIB", 7*3600)
	ref := time.Date(2025, time.March, 10, 23, 30, 0, 0, time.UTC) // 06:30 next day in WIB

	got := policy.MustTimeOfDay("09:00").On(ref, loc)
	assert.Equal(t, time.Date(2025, time.March, 11, 9, 0, 0, 0, loc), got)
}

func TestPolicy_DayOfAndNextMidnight(t *testing.T) {
	p := policy.Default()
	p.Location = time.UTC
	at := time.Date(2025, time.March, 10, 15, 4, 5, 0, time.UTC)

	assert.Equal(t, time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC), p.DayOf(at))
	assert.Equal(t, time.Date(2025, time.March, 11, 0, 0, 0, 0, time.UTC), p.NextMidnight(at))
	assert.Equal(t, "2025-03-10", p.DayKey(at))
}

func TestExemptions_Covers(t *testing.T) {
	e := policy.Exemptions{Roles: []string{"Director"}, Departments: []string{"field-sales"}, Weekends: true}
	monday := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	saturday := time.Date(2025, time.March, 15, 9, 0, 0, 0, time.UTC)

	assert.True(t, e.Covers("director", "", monday))
	assert.True(t, e.Covers("", "FIELD-SALES", monday))
	assert.True(t, e.Covers("staff", "ops", saturday))
	assert.False(t, e.Covers("staff", "ops", monday))
	assert.False(t, e.Covers("", "", monday))
}

func TestAcquisition_SamplesFor(t *testing.T) {
	a := policy.Default().Acquisition

	assert.Equal(t, 3, a.SamplesFor("windows", policy.DeviceMobile))
	assert.Equal(t, 3, a.SamplesFor("android", policy.DeviceDesktop))
	assert.Equal(t, 1, a.SamplesFor("android", policy.DeviceMobile))

	a.SampleCount = 1
	assert.Equal(t, 1, a.SamplesFor("windows", policy.DeviceDesktop))
}

// =============================================================================
// SOURCE
// =============================================================================

func TestSource_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: first\n"), 0o644))

	src, err := policy.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", src.Current().Name)

	require.NoError(t, os.WriteFile(path, []byte("minimum_dwell: nope\n"), 0o644))
	assert.Error(t, src.Reload())
	assert.Equal(t, "first", src.Current().Name, "invalid file must not replace the active policy")
}

func TestSource_WatchPicksUpChanges(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: first\n"), 0o644))

	src, err := policy.Load(path, nil)
	require.NoError(t, err)

	reloaded := make(chan string, 4)
	src.OnChange(func(p *policy.Policy) { reloaded <- p.Name })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("name: second\n"), 0o644))

	select {
	case name := <-reloaded:
		assert.Equal(t, "second", name)
	case <-time.After(5 * time.Second):
		t.Fatal("policy change was not picked up")
	}
	assert.Equal(t, "second", src.Current().Name)

	cancel()
	require.NoError(t, <-done)
}
