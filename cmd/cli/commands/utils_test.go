package commands

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWSHost(t *testing.T) {
	require.Equal(t, "ws://localhost:7880", wsHost("http://localhost:7880"))
	require.Equal(t, "wss://pc.example.com", wsHost("https://pc.example.com"))
	require.Equal(t, "ws://localhost:7880", wsHost("ws://localhost:7880"))
}

func TestGetJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sessions" {
			_, _ = w.Write([]byte(`{"sessions":["PC_a"],"current":1,"total":3}`))
			return
		}
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	defer ts.Close()

	var list sessionList
	require.NoError(t, getJSON(ts.URL+"/sessions", &list))
	require.Equal(t, []string{"PC_a"}, list.Sessions)
	require.Equal(t, int32(1), list.Current)
	require.Equal(t, uint64(3), list.Total)

	err := getJSON(ts.URL+"/sessions/PC_b/stats", &list)
	require.ErrorContains(t, err, "404")
	require.ErrorContains(t, err, "session not found")
}
