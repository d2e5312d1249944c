package rollout

import "testing"

func TestBucketDeterministic(t *testing.T) {
	t.Parallel()

	// Reference values from reducing the full 128-bit MD5 digest mod 100.
	cases := map[string]int{
		"00000000-0000-0000-0000-000000000001": 63,
		"00000000-0000-0000-0000-000000000002": 59,
		"11111111-2222-3333-4444-555555555555": 15,
	}
	for id, want := range cases {
		if got := Bucket(id); got != want {
			t.Errorf("Bucket(%q) = %d, want %d", id, got, want)
		}
		if again := Bucket(id); again != want {
			t.Errorf("Bucket(%q) not stable: %d then %d", id, want, again)
		}
	}
}

func TestBucketRange(t *testing.T) {
	t.Parallel()

	ids := []string{"", "a", "printer", "ffffffff-ffff-ffff-ffff-ffffffffffff"}
	for _, id := range ids {
		if b := Bucket(id); b < 0 || b >= 100 {
			t.Errorf("Bucket(%q) = %d, out of range", id, b)
		}
	}
}
