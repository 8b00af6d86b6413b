package session

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/lanvoice/transport"
)

// Discovery metadata keys. All five must be present and parse for an
// advertisement to be treated as a valid bubble.
const (
	metaBubbleID         = "bubbleID"
	metaBubbleName       = "bubbleName"
	metaHostName         = "hostName"
	metaParticipantCount = "participantCount"
	metaCreatedAt        = "createdAt"
)

// BubbleInfo describes an ad-hoc voice room: one host, zero or more joined
// participants. The host creates it when hosting begins, advertises it as
// discovery metadata, and re-advertises with an updated participant count
// whenever membership changes.
type BubbleInfo struct {
	ID               uuid.UUID
	Name             string
	Host             transport.PeerIdentity
	HostName         string
	ParticipantCount int
	CreatedAt        time.Time
}

// ToMetadata encodes the bubble as discovery metadata key/value strings.
func (b BubbleInfo) ToMetadata() map[string]string {
	return map[string]string{
		metaBubbleID:         b.ID.String(),
		metaBubbleName:       b.Name,
		metaHostName:         b.HostName,
		metaParticipantCount: strconv.Itoa(b.ParticipantCount),
		metaCreatedAt:        strconv.FormatInt(b.CreatedAt.Unix(), 10),
	}
}

// BubbleFromMetadata decodes an advertisement into a BubbleInfo. The
// advertisement is only valid if every required key is present and parses;
// anything else is rejected and the advertisement ignored by the caller.
func BubbleFromMetadata(host transport.PeerIdentity, md map[string]string) (BubbleInfo, error) {
	rawID, ok := md[metaBubbleID]
	if !ok {
		return BubbleInfo{}, fmt.Errorf("advertisement missing %s", metaBubbleID)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return BubbleInfo{}, fmt.Errorf("invalid %s: %w", metaBubbleID, err)
	}

	name, ok := md[metaBubbleName]
	if !ok {
		return BubbleInfo{}, fmt.Errorf("advertisement missing %s", metaBubbleName)
	}

	hostName, ok := md[metaHostName]
	if !ok {
		return BubbleInfo{}, fmt.Errorf("advertisement missing %s", metaHostName)
	}

	rawCount, ok := md[metaParticipantCount]
	if !ok {
		return BubbleInfo{}, fmt.Errorf("advertisement missing %s", metaParticipantCount)
	}
	count, err := strconv.Atoi(rawCount)
	if err != nil || count < 1 {
		return BubbleInfo{}, fmt.Errorf("invalid %s: %q", metaParticipantCount, rawCount)
	}

	rawCreated, ok := md[metaCreatedAt]
	if !ok {
		return BubbleInfo{}, fmt.Errorf("advertisement missing %s", metaCreatedAt)
	}
	createdUnix, err := strconv.ParseInt(rawCreated, 10, 64)
	if err != nil {
		return BubbleInfo{}, fmt.Errorf("invalid %s: %q", metaCreatedAt, rawCreated)
	}

	return BubbleInfo{
		ID:               id,
		Name:             name,
		Host:             host,
		HostName:         hostName,
		ParticipantCount: count,
		CreatedAt:        time.Unix(createdUnix, 0),
	}, nil
}
