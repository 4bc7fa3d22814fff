package strategy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dealhound/fetchengine/internal/fetch"
)

func TestDirectFetchDecodesFields(t *testing.T) {
	var gotTarget string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTarget = r.URL.Query().Get("url")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"price": 19.99, "title": "Walnut Desk", "sku": null}`)
	}))
	defer server.Close()

	d := NewDirect(DirectConfig{
		Endpoints: map[string]string{"megashop": server.URL + "/lookup?url=%s"},
	})
	job := fetch.Job{
		URL:    "https://shop.example.com/p/123?color=red",
		Site:   "megashop",
		Fields: []string{"price", "title", "sku"},
	}
	require.True(t, d.Supports(job))

	result, err := d.Fetch(context.Background(), job, "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, "19.99", result.Fields["price"])
	require.Equal(t, "Walnut Desk", result.Fields["title"])
	require.NotContains(t, result.Fields, "sku", "null values are dropped")

	require.Equal(t, job.URL, gotTarget, "target URL round-trips through the query parameter")
}

func TestDirectFetchUnregisteredSite(t *testing.T) {
	d := NewDirect(DirectConfig{Endpoints: map[string]string{"megashop": "http://api/%s"}})
	job := fetch.Job{URL: "https://other.example.com/p/1", Site: "othershop"}

	require.False(t, d.Supports(job))
	_, err := d.Fetch(context.Background(), job, "")
	require.ErrorIs(t, err, ErrNoEndpoint)
}

func TestDirectFetchSiteLookupCaseInsensitive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	d := NewDirect(DirectConfig{Endpoints: map[string]string{"megashop": server.URL + "?url=%s"}})
	require.True(t, d.Supports(fetch.Job{Site: "MegaShop"}))
}

func TestDirectFetchCarriesSolvedToken(t *testing.T) {
	var gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Captcha-Token")
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	d := NewDirect(DirectConfig{Endpoints: map[string]string{"megashop": server.URL + "?url=%s"}})
	job := fetch.Job{URL: "https://shop.example.com/p/1", Site: "megashop", SolvedToken: "tok-9"}

	_, err := d.Fetch(context.Background(), job, "")
	require.NoError(t, err)
	require.Equal(t, "tok-9", gotToken)
}

func TestDirectFetchNonOKSkipsDecode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"price": 1}`)
	}))
	defer server.Close()

	d := NewDirect(DirectConfig{Endpoints: map[string]string{"megashop": server.URL + "?url=%s"}})
	job := fetch.Job{URL: "https://shop.example.com/p/1", Site: "megashop", Fields: []string{"price"}}

	result, err := d.Fetch(context.Background(), job, "")
	require.NoError(t, err, "an HTTP error status is a classified result, not a transport failure")
	require.Equal(t, http.StatusBadGateway, result.StatusCode)
	require.Empty(t, result.Fields)
}
