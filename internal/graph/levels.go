package graph

// Level is a dependency wave: every task in it may run concurrently once all
// lower-numbered levels have fully completed.
type Level struct {
	Number int
	Tasks  []*Task
}

// Levels groups the graph's tasks into ordered, non-overlapping waves.
func Levels(g *Graph) []Level {
	levels := make([]Level, 0, g.MaxLevel()+1)
	for n := 0; n <= g.MaxLevel(); n++ {
		tasks := g.TasksAtLevel(n)
		if len(tasks) == 0 {
			continue
		}
		levels = append(levels, Level{Number: n, Tasks: tasks})
	}
	return levels
}
