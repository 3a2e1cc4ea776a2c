// Package domain holds the value types shared by the relay services,
// repositories and queue jobs: campaigns, ledger rows, users, providers and
// channels. It imports nothing from internal/.
package domain
