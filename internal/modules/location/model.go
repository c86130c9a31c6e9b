// README: Proximity result returned by the GEO index.
package location

import "ridepool/internal/types"

type Nearby struct {
	ID         types.ID
	DistanceKm float64
}
