// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for swiftgate.
//
// Configuration is read from a TOML file, overlaid with SWIFTGATE_*
// environment variables, and validated with clamping to safe bounds.
// A fsnotify-based watcher hot-reloads the dynamic security toggles so an
// operator change never requires a restart — and CSRF enforcement can only
// ever be relaxed when the environment is "test".
package config
