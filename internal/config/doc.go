// Package config defines the keeper settings and the per-sidecar specs, and
// provides helpers to load, validate and save them in YAML format.
//
// Values from the YAML file can be overridden by SIDECAR_KEEPER_* environment
// variables; Validate fills defaults for everything left empty.
package config
