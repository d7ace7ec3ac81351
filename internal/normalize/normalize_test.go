package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordNormalizesObject(t *testing.T) {
	t.Parallel()

	item, err := Record(json.RawMessage(` {"link":"/p1","price":10.50,"title":"Mug"} `), "https://shop.test/products")
	require.NoError(t, err)
	require.Equal(t, "https://shop.test/p1", item.URL)
	require.Equal(t, "/p1", item.Payload["link"])
	require.Equal(t, json.Number("10.50"), item.Payload["price"])
	require.Equal(t, "Mug", item.Payload["title"])
}

func TestRecordRejectsNonObjects(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"null", `null`},
		{"array", `[1,2]`},
		{"string", `"card"`},
		{"number", `42`},
		{"broken", `{"link":`},
		{"trailing", `{"a":1} {"b":2}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Record(json.RawMessage(tc.raw), "https://shop.test")
			require.Error(t, err)
		})
	}
}

func TestRecordWithoutLink(t *testing.T) {
	t.Parallel()

	item, err := Record(json.RawMessage(`{"price":"10"}`), "https://shop.test")
	require.NoError(t, err)
	require.Empty(t, item.URL)
}

func TestResolveLink(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		base string
		link any
		want string
	}{
		{"absolute", "https://shop.test/a/", "https://cdn.test/x", "https://cdn.test/x"},
		{"root relative", "https://shop.test/a/b", "/p1", "https://shop.test/p1"},
		{"path relative", "https://shop.test/a/b", "p2", "https://shop.test/a/p2"},
		{"bad base", "::", "/p1", "/p1"},
		{"non string", "https://shop.test", 12, ""},
		{"blank", "https://shop.test", "  ", ""},
		{"nil", "https://shop.test", nil, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ResolveLink(tc.base, tc.link))
		})
	}
}
