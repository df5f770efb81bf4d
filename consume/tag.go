package consume

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewConsumerTag generates a consumer tag unique to the channel, in the form
// ctag<channelID>.<random hex>.
func NewConsumerTag(channelID int) string {
	return fmt.Sprintf("ctag%d.%s", channelID, strings.ReplaceAll(uuid.NewString(), "-", ""))
}
