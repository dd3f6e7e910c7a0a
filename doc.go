/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package kwmsipbridge relays SIP calling commands from an embedding host
// container to a Janus gateway SIP plugin and posts the resulting events back
// to the host.
package kwmsipbridge
