package main

import "time"

// Flag structs decouple cobra from the handlers for testing.

type ServeFlags struct {
	ConfigPath string
	Listen     string // overrides the config file when set
}

type StatusFlags struct {
	Name       string
	APIUrl     string
	APITimeout time.Duration
}

type LifecycleFlags struct {
	Name       string
	APIUrl     string
	APITimeout time.Duration
}

type CallFlags struct {
	Server     string
	Method     string
	Params     string // JSON document
	APIUrl     string
	APITimeout time.Duration
}

type ToolsFlags struct {
	Server     string
	APIUrl     string
	APITimeout time.Duration
}
