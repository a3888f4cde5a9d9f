package tracker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"https", "https://example.com/a", false},
		{"http with port", "http://example.com:8080/", false},
		{"empty", "  ", true},
		{"no scheme", "example.com/path", true},
		{"ftp", "ftp://example.com/file", true},
		{"missing host", "https:///path", true},
		{"garbage", "http://%zz", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ValidateURL(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrInvalidURL))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		raw           string
		includeParams bool
		params        string
		want          string
	}{
		{"strip query", "https://shop.example.com/item/1?ref=abc&utm=x", false, "", "https://shop.example.com/item/1"},
		{"keep query", "https://shop.example.com/item/1?ref=abc", true, "", "https://shop.example.com/item/1?ref=abc"},
		{"stored params fill in", "https://shop.example.com/item/1", true, "?size=m", "https://shop.example.com/item/1?size=m"},
		{"url query wins over stored", "https://shop.example.com/item/1?color=red", true, "size=m", "https://shop.example.com/item/1?color=red"},
		{"fragment dropped", "https://example.com/a#top", false, "", "https://example.com/a"},
		{"stored params ignored when stripping", "https://example.com/a", false, "size=m", "https://example.com/a"},
		{"host lowercased", "HTTPS://Shop.Example.com/Item", false, "", "https://shop.example.com/Item"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.raw, tc.includeParams, tc.params)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestIdentityKeyMatchesNormalizedURL(t *testing.T) {
	t.Parallel()

	link := Link{
		ID:     7,
		URL:    "https://shop.example.com/p?id=1",
		Domain: Domain{Name: "shop.example.com", IncludeParams: false},
	}
	normalized, err := NormalizeURL(link.URL, link.IncludeParams(), link.Params)
	require.NoError(t, err)
	require.Equal(t, normalized, IdentityKey(link))
	require.Equal(t, "https://shop.example.com/p", IdentityKey(link))
}

func TestIdentityKeyFallbacks(t *testing.T) {
	t.Parallel()

	require.Equal(t, "not a url", IdentityKey(Link{ID: 1, URL: " not a url "}))
	require.Equal(t, "link-9", IdentityKey(Link{ID: 9}))
}

func TestParseTiming(t *testing.T) {
	t.Parallel()

	got, err := ParseTiming("daily")
	require.NoError(t, err)
	require.Equal(t, TimingDaily, got)

	got, err = ParseTiming("on-demand")
	require.NoError(t, err)
	require.Equal(t, TimingOnDemand, got)

	_, err = ParseTiming("hourly")
	require.Error(t, err)
	require.Equal(t, "weekly", TimingWeekly.Lower())
}

func TestHostname(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Hostname("https://Example.COM:443/a"))
	require.Equal(t, "", Hostname("http://%zz"))
}
