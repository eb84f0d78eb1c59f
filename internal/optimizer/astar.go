package optimizer

import (
	"container/heap"
	"context"
	"log"
	"math"

	"dronedispatch/internal/geo"
	"dronedispatch/models"
)

// node is a grid position. Coordinates are produced deterministically by
// adding grid steps to the start point, so float equality in map keys is exact.
type node struct {
	lat float64
	lng float64
	alt float64
}

type openItem struct {
	n     node
	f     float64 // g + heuristic
	g     float64 // cost from start
	index int
}

type openHeap []*openItem

func (h openHeap) Len() int            { return len(h) }
func (h openHeap) Less(i, j int) bool  { return h[i].f < h[j].f }
func (h openHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *openHeap) Push(x interface{}) { it := x.(*openItem); it.index = len(*h); *h = append(*h, it) }
func (h *openHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// searchRoute runs the A* grid search. It returns the found path's waypoints
// and the method that actually produced them: astar on success, direct_fallback
// when the open set empties or the iteration cap is hit.
func (o *Optimizer) searchRoute(ctx context.Context, req Request, obstacles []obstacle) ([]Waypoint, models.OptimizationMethod) {
	start := node{lat: req.StartLat, lng: req.StartLng, alt: req.AltitudeM}
	goal := node{lat: req.EndLat, lng: req.EndLng, alt: req.AltitudeM}

	open := &openHeap{}
	heap.Init(open)
	heap.Push(open, &openItem{n: start, f: 0, g: 0})

	cameFrom := make(map[node]node)
	gScore := map[node]float64{start: 0}

	expansions := 0
	iterCap := o.cfg.SearchIterationCap
	if iterCap <= 0 {
		iterCap = 10000
	}

	for open.Len() > 0 && expansions < iterCap {
		current := heap.Pop(open).(*openItem)
		expansions++

		// Yield to cancellation periodically; the search is CPU-bound.
		if expansions%1000 == 0 {
			if ctx.Err() != nil {
				o.inst.addIterations(expansions)
				return nil, req.Method
			}
		}

		if o.isGoal(current.n, goal) {
			o.inst.addIterations(expansions)
			path := reconstructPath(cameFrom, current.n, start)
			// Snap the terminal node to the literal query point; the goal
			// test accepts anything within one grid cell.
			path[len(path)-1].lat = goal.lat
			path[len(path)-1].lng = goal.lng
			return nodesToWaypoints(path), models.MethodAStar
		}

		for _, nb := range o.neighbors(current.n, req.Priority) {
			if inObstacle(nb, obstacles) {
				continue
			}
			tentative := gScore[current.n] + edgeCost(current.n, nb, req.Priority)
			if best, seen := gScore[nb]; !seen || tentative < best {
				cameFrom[nb] = current.n
				gScore[nb] = tentative
				h := heuristic(nb, goal)
				heap.Push(open, &openItem{n: nb, f: tentative + h, g: tentative})
			}
		}
	}

	o.inst.addIterations(expansions)
	o.inst.fallback()
	log.Printf("optimizer: search exhausted after %d expansions, using direct fallback", expansions)
	return o.fallbackRoute(req, obstacles), models.MethodDirectFallback
}

// neighbors returns the 8 horizontal grid steps plus, for safety/balanced
// priorities, one step up and one step down clamped to the altitude band.
func (o *Optimizer) neighbors(n node, priority Priority) []node {
	res := o.cfg.GridResolution
	out := make([]node, 0, 10)
	for _, dLat := range []float64{-res, 0, res} {
		for _, dLng := range []float64{-res, 0, res} {
			if dLat == 0 && dLng == 0 {
				continue
			}
			out = append(out, node{lat: n.lat + dLat, lng: n.lng + dLng, alt: n.alt})
		}
	}
	if priority == PrioritySafety || priority == PriorityBalanced {
		if n.alt+o.cfg.AltitudeStepM <= o.cfg.MaxAltitudeM {
			out = append(out, node{lat: n.lat, lng: n.lng, alt: n.alt + o.cfg.AltitudeStepM})
		}
		if n.alt-o.cfg.AltitudeStepM >= o.cfg.MinAltitudeM {
			out = append(out, node{lat: n.lat, lng: n.lng, alt: n.alt - o.cfg.AltitudeStepM})
		}
	}
	return out
}

// isGoal ignores altitude: close enough horizontally counts as arrival.
func (o *Optimizer) isGoal(n, goal node) bool {
	return math.Abs(n.lat-goal.lat) < o.cfg.GridResolution &&
		math.Abs(n.lng-goal.lng) < o.cfg.GridResolution
}

// heuristic is the 3D Euclidean distance to goal; admissible because every
// edge cost is at least the 3D distance.
func heuristic(n, goal node) float64 {
	return geo.Distance3DKm(n.lat, n.lng, n.alt, goal.lat, goal.lng, goal.alt)
}

func edgeCost(a, b node, priority Priority) float64 {
	distance := geo.Distance3DKm(a.lat, a.lng, a.alt, b.lat, b.lng, b.alt)
	dAlt := b.alt - a.alt
	switch priority {
	case PrioritySpeed:
		return distance
	case PriorityEnergy:
		return distance + math.Abs(dAlt)/100.0*0.5
	case PrioritySafety:
		if dAlt > 0 {
			return distance - 0.1
		} else if dAlt < 0 {
			return distance + 0.1
		}
		return distance
	default: // balanced
		return distance + math.Abs(dAlt)/500.0
	}
}

func inObstacle(n node, obstacles []obstacle) bool {
	for i := range obstacles {
		ob := &obstacles[i]
		if !ob.containsAltitude(n.alt) {
			continue
		}
		if geo.PointInPolygon(n.lat, n.lng, ob.ring) {
			return true
		}
	}
	return false
}

func reconstructPath(cameFrom map[node]node, current, start node) []node {
	path := []node{current}
	for {
		prev, ok := cameFrom[current]
		if !ok {
			break
		}
		current = prev
		path = append(path, current)
		if current == start {
			break
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func nodesToWaypoints(nodes []node) []Waypoint {
	wps := make([]Waypoint, len(nodes))
	for i, n := range nodes {
		action := models.ActionNavigate
		reason := ""
		switch {
		case i == 0:
			action = models.ActionStart
			reason = "departure_point"
		case i == len(nodes)-1:
			action = models.ActionEnd
			reason = "destination"
		case nodes[i-1].alt != n.alt:
			if n.alt > nodes[i-1].alt {
				action = models.ActionAscend
			} else {
				action = models.ActionDescend
			}
			reason = "altitude_change"
		}
		wps[i] = Waypoint{Lat: n.lat, Lng: n.lng, AltitudeM: n.alt, Action: action, Reason: reason, WindFactor: 1.0}
		if i > 0 {
			prev := nodes[i-1]
			wps[i].SegmentDistanceKm = geo.Distance3DKm(prev.lat, prev.lng, prev.alt, n.lat, n.lng, n.alt)
		}
	}
	return wps
}
