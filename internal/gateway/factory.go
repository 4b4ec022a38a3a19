package gateway

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/pesaflow/payment-engine/internal/models"
)

// Options tunes a constructed client. The zero value is production-ready;
// BaseURL and HTTPClient exist mainly so tests can point a client at a fake.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: DefaultTimeout}
}

// Constructor builds a configured client from an integration.
type Constructor func(integ *models.Integration, opts Options) Client

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds a country implementation. Adding a country never touches
// existing ones.
func Register(country string, fn Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[country] = fn
}

func init() {
	Register("kenya", NewKenyaClient)
	Register("uganda", NewUgandaClient)
	Register("ghana", NewGhanaClient)
}

// New builds a client for the integration's country.
func New(integ *models.Integration, opts Options) (Client, error) {
	registryMu.RLock()
	fn, ok := registry[integ.Country]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedCountry, integ.Country)
	}
	return fn(integ, opts), nil
}

// Countries lists registered country codes, sorted.
func Countries() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
