// Package pathfind plans key sequences across the explored minimap with A*.
//
// Planning runs in passes: a strict search first, then feasibility
// simulations that relax one obstacle kind and stop the route in front of
// it, then a fallback to a reachable tile next to the goal.
package pathfind

import (
	"container/heap"
	"fmt"
)

// Movement modes understood by the planner.
const (
	ModeWalk = "WALK"
	ModeSurf = "SURF"
)

// Point is a tile coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

func (p Point) less(o Point) bool {
	if p.X != o.X {
		return p.X < o.X
	}
	return p.Y < o.Y
}

func manhattan(a, b Point) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Grid is a rectangular tile map.
type Grid struct {
	width, height int
	cells         []int
}

// NewGrid builds a grid from bridge rows where nil is an unexplored cell.
// The width is the first row's length; missing cells of short rows are walls.
func NewGrid(rows [][]*int) *Grid {
	g := &Grid{height: len(rows)}
	if len(rows) > 0 {
		g.width = len(rows[0])
	}
	g.cells = make([]int, g.width*g.height)
	for y, row := range rows {
		for x := 0; x < g.width; x++ {
			switch {
			case x >= len(row):
				g.cells[y*g.width+x] = Wall
			case row[x] == nil:
				g.cells[y*g.width+x] = Fog
			default:
				g.cells[y*g.width+x] = *row[x]
			}
		}
	}
	return g
}

// Width returns the number of columns.
func (g *Grid) Width() int { return g.width }

// Height returns the number of rows.
func (g *Grid) Height() int { return g.height }

// In reports whether p lies on the grid.
func (g *Grid) In(p Point) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < g.width && p.Y < g.height
}

// Tile returns the tile id at p. p must be on the grid.
func (g *Grid) Tile(p Point) int { return g.cells[p.Y*g.width+p.X] }

// Options describe the player's traversal abilities.
type Options struct {
	Strength bool
	Mode     string
}

// Pass records one search attempt.
type Pass struct {
	Name  string `json:"name"`
	Found bool   `json:"found"`
}

// Stop describes a route cut short in front of an obstacle.
type Stop struct {
	Reason       string `json:"reason"`
	Tile         Point  `json:"stop_tile"`
	Blocking     Point  `json:"blocking_tile"`
	BlockingTile int    `json:"blocking_tile_id"`
	Facing       string `json:"facing"`
}

// Result is the outcome of Plan.
type Result struct {
	Start  Point    `json:"start"`
	Goal   Point    `json:"goal"`
	Keys   []string `json:"keys"`
	Passes []Pass   `json:"passes"`
	// Stop is set when a simulation pass cut the route short.
	Stop *Stop `json:"stop,omitempty"`
	// Fallback is the tile next to the goal the route ends on instead.
	Fallback *Point `json:"fallback,omitempty"`
	NoRoute  bool   `json:"no_route,omitempty"`
}

// Reached reports whether the route ends on the goal itself.
func (r *Result) Reached() bool {
	return !r.NoRoute && r.Stop == nil && r.Fallback == nil
}

type searchParams struct {
	strength  bool
	mode      string
	allow     tileSet
	allowWarp bool
}

type planner struct {
	grid *Grid
	goal Point
	opt  Options
}

// Plan returns the key presses that move the player from start towards goal.
func Plan(g *Grid, start, goal Point, opt Options) Result {
	if opt.Mode == "" {
		opt.Mode = ModeWalk
	}
	p := &planner{grid: g, goal: goal, opt: opt}
	res := Result{Start: start, Goal: goal}
	if !g.In(start) || !g.In(goal) {
		res.NoRoute = true
		return res
	}
	strict := searchParams{strength: opt.Strength, mode: opt.Mode}

	keys, ok := p.search(start, goal, strict)
	res.Passes = append(res.Passes, Pass{Name: "strict", Found: ok})
	if ok {
		res.Keys = keys
		return res
	}

	simulations := []struct {
		name   string
		reason string
		params searchParams
		tiles  tileSet
		skip   bool
	}{
		{name: "sim_cut_tree", reason: "Cut required", params: searchParams{strength: opt.Strength, mode: opt.Mode, allow: setOf(Tree)}, tiles: setOf(Tree)},
		{name: "sim_strength_boulder", reason: "Strength required", params: searchParams{strength: true, mode: opt.Mode}, tiles: setOf(Boulder), skip: opt.Strength},
		{name: "sim_surf_water", reason: "Surf required (land->water)", params: searchParams{strength: opt.Strength, mode: ModeSurf}, skip: opt.Mode == ModeSurf},
		{name: "sim_npc", reason: "NPC blocking", params: searchParams{strength: opt.Strength, mode: opt.Mode, allow: setOf(NPC)}, tiles: setOf(NPC)},
		{name: "sim_locked_door", reason: "Locked door blocking", params: searchParams{strength: opt.Strength, mode: opt.Mode, allow: setOf(LockedDoor)}, tiles: setOf(LockedDoor)},
		{name: "sim_warp_tile", reason: "Warp/teleporter blocking", params: searchParams{strength: opt.Strength, mode: opt.Mode, allow: setOf(Warp), allowWarp: true}, tiles: setOf(Warp)},
	}
	for _, sim := range simulations {
		if sim.skip {
			continue
		}
		route, found := p.search(start, goal, sim.params)
		res.Passes = append(res.Passes, Pass{Name: sim.name, Found: found})
		if !found {
			continue
		}
		var stop *Stop
		if sim.tiles == nil {
			stop = p.firstWaterEntry(start, route)
		} else {
			stop = p.firstObstacle(start, route, sim.tiles)
		}
		if stop == nil {
			continue
		}
		stop.Reason = sim.reason
		res.Stop = stop
		res.Keys, _ = p.search(start, stop.Tile, strict)
		if res.Keys == nil {
			res.Keys = []string{}
		}
		return res
	}

	if fb, keys, ok := p.proximityFallback(start, strict); ok {
		res.Fallback = &fb
		res.Keys = keys
		return res
	}
	res.NoRoute = true
	res.Keys = []string{}
	return res
}

func (p *planner) blocked(tile int, at, goal Point, sp searchParams) bool {
	if at == goal || tile == Fog {
		return false
	}
	if sp.allow[tile] {
		return false
	}
	return blockedByDefault(tile, sp.strength, sp.mode)
}

// step applies one key press from cur. Ledges displace one extra tile and
// can only be entered in their own direction.
func (p *planner) step(cur Point, d direction, goal Point, sp searchParams) (Point, bool) {
	g := p.grid
	next := Point{cur.X + d.dx, cur.Y + d.dy}
	if !g.In(next) {
		return Point{}, false
	}
	t1 := g.Tile(next)
	if next != goal && !sp.allowWarp && warpLike[t1] {
		return Point{}, false
	}
	if entryBlocked(t1, d) || p.blocked(t1, next, goal, sp) {
		return Point{}, false
	}
	ld, isLedge := ledgeDir[t1]
	if !isLedge {
		return next, true
	}
	if ld != [2]int{d.dx, d.dy} {
		return Point{}, false
	}
	land := Point{next.X + ld[0], next.Y + ld[1]}
	if !g.In(land) {
		return Point{}, false
	}
	t2 := g.Tile(land)
	if land != goal && !sp.allowWarp && warpLike[t2] {
		return Point{}, false
	}
	if entryBlocked(t2, d) || p.blocked(t2, land, goal, sp) {
		return Point{}, false
	}
	return land, true
}

type node struct {
	f, g int
	at   Point
}

type openSet []node

func (o openSet) Len() int { return len(o) }
func (o openSet) Less(i, j int) bool {
	if o[i].f != o[j].f {
		return o[i].f < o[j].f
	}
	if o[i].g != o[j].g {
		return o[i].g < o[j].g
	}
	return o[i].at.less(o[j].at)
}
func (o openSet) Swap(i, j int) { o[i], o[j] = o[j], o[i] }
func (o *openSet) Push(x any)   { *o = append(*o, x.(node)) }
func (o *openSet) Pop() any {
	old := *o
	n := old[len(old)-1]
	*o = old[:len(old)-1]
	return n
}

type cameFrom struct {
	prev Point
	key  string
}

// search runs A* and returns the key sequence, or false when unreachable.
func (p *planner) search(start, goal Point, sp searchParams) ([]string, bool) {
	if start == goal {
		return []string{}, true
	}
	open := &openSet{{f: manhattan(start, goal), g: 0, at: start}}
	gScore := map[Point]int{start: 0}
	from := map[Point]cameFrom{}

	for open.Len() > 0 {
		cur := heap.Pop(open).(node)
		if cur.at == goal {
			var keys []string
			for at := goal; at != start; {
				cf := from[at]
				keys = append(keys, cf.key)
				at = cf.prev
			}
			for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
				keys[i], keys[j] = keys[j], keys[i]
			}
			return keys, true
		}
		if best, ok := gScore[cur.at]; ok && cur.g != best {
			continue
		}
		for _, d := range directions {
			next, ok := p.step(cur.at, d, goal, sp)
			if !ok {
				continue
			}
			ng := cur.g + moveCost(p.grid.Tile(next))
			if old, seen := gScore[next]; seen && ng >= old {
				continue
			}
			gScore[next] = ng
			from[next] = cameFrom{prev: cur.at, key: d.key}
			heap.Push(open, node{f: ng + manhattan(next, goal), g: ng, at: next})
		}
	}
	return nil, false
}

// firstObstacle walks route and reports the first step landing on one of
// tiles, either on the entered tile or on a ledge's landing tile.
func (p *planner) firstObstacle(start Point, route []string, tiles tileSet) *Stop {
	g := p.grid
	pos := start
	for _, key := range route {
		d, _ := directionFor(key)
		next := Point{pos.X + d.dx, pos.Y + d.dy}
		if !g.In(next) {
			return nil
		}
		t1 := g.Tile(next)
		if tiles[t1] {
			return &Stop{Tile: pos, Blocking: next, BlockingTile: t1, Facing: key}
		}
		ld, isLedge := ledgeDir[t1]
		if !isLedge {
			pos = next
			continue
		}
		land := Point{next.X + ld[0], next.Y + ld[1]}
		if !g.In(land) {
			return nil
		}
		if t2 := g.Tile(land); tiles[t2] {
			return &Stop{Tile: next, Blocking: land, BlockingTile: t2, Facing: key}
		}
		pos = land
	}
	return nil
}

// firstWaterEntry reports the first land to water transition on route.
func (p *planner) firstWaterEntry(start Point, route []string) *Stop {
	g := p.grid
	pos := start
	for _, key := range route {
		d, _ := directionFor(key)
		next := Point{pos.X + d.dx, pos.Y + d.dy}
		if !g.In(next) {
			return nil
		}
		target := next
		if ld, isLedge := ledgeDir[g.Tile(next)]; isLedge {
			target = Point{next.X + ld[0], next.Y + ld[1]}
		}
		if g.In(target) && g.Tile(target) == Water && g.Tile(pos) != Water {
			return &Stop{Tile: pos, Blocking: target, BlockingTile: Water, Facing: key}
		}
		pos = target
	}
	return nil
}

// proximityFallback picks the tile within distance 1 of the goal with the
// shortest strict route.
func (p *planner) proximityFallback(start Point, strict searchParams) (Point, []string, bool) {
	g := p.grid
	offsets := [5][2]int{{0, 0}, {1, 0}, {-1, 0}, {0, 1}, {0, -1}}
	var (
		best     Point
		bestKeys []string
		found    bool
	)
	for _, o := range offsets {
		c := Point{p.goal.X + o[0], p.goal.Y + o[1]}
		if !g.In(c) {
			continue
		}
		t := g.Tile(c)
		if c != p.goal && warpLike[t] {
			continue
		}
		if blockedByDefault(t, p.opt.Strength, p.opt.Mode) {
			continue
		}
		keys, ok := p.search(start, c, strict)
		if !ok {
			continue
		}
		if !found || len(keys) < len(bestKeys) || (len(keys) == len(bestKeys) && c.less(best)) {
			best, bestKeys, found = c, keys, true
		}
	}
	return best, bestKeys, found
}
