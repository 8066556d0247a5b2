// Package config loads the YAML configuration of the registration server
// and builds the template and policy catalogs it names.
package config
