// Package clients contains the HTTP client of the custody node API.
package clients
