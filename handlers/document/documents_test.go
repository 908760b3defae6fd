package document

import "testing"

func TestClampListRange(t *testing.T) {
	cases := []struct {
		name      string
		skip      int
		limit     int
		wantSkip  int
		wantLimit int
	}{
		{"defaults", 0, defaultListLimit, 0, 20},
		{"zero limit falls back to default", 0, 0, 0, 20},
		{"negative limit falls back to default", 0, -5, 0, 20},
		{"limit one is allowed", 0, 1, 0, 1},
		{"limit at the cap passes through", 10, 100, 10, 100},
		{"limit above the cap is clamped", 0, 101, 0, 100},
		{"huge limit is clamped", 0, 5000, 0, 100},
		{"negative skip is zeroed", -3, 30, 0, 30},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			skip, limit := clampListRange(tc.skip, tc.limit)
			if skip != tc.wantSkip || limit != tc.wantLimit {
				t.Errorf("clampListRange(%d, %d) = (%d, %d), want (%d, %d)",
					tc.skip, tc.limit, skip, limit, tc.wantSkip, tc.wantLimit)
			}
		})
	}
}
