/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package media

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// HasMedia reports whether the provided session description offers audio and
// video. Rejected media lines (port 0) do not count.
func HasMedia(description string) (audio bool, video bool, err error) {
	sd := &sdp.SessionDescription{}
	if err = sd.Unmarshal([]byte(description)); err != nil {
		return false, false, fmt.Errorf("failed to parse session description: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		switch md.MediaName.Media {
		case "audio":
			audio = true
		case "video":
			video = true
		}
	}

	return audio, video, nil
}
