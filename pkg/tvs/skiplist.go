package tvs

import "github.com/zhangyunhao116/fastrand"

const skipMaxLevel = 32

type skipLevel struct {
	forward *skipNode
	span    int
}

type skipNode struct {
	member   string
	score    float64
	backward *skipNode
	level    []skipLevel
}

// skipList orders (score, member) pairs and tracks spans so rank lookups are O(log n).
type skipList struct {
	header *skipNode
	tail   *skipNode
	length int
	level  int
}

func newSkipList() *skipList {
	return &skipList{
		header: &skipNode{level: make([]skipLevel, skipMaxLevel)},
		level:  1,
	}
}

// p = 1/4
func randomLevel() int {
	lvl := 1
	for lvl < skipMaxLevel && fastrand.Uint32()&3 == 0 {
		lvl++
	}
	return lvl
}

func zless(s1 float64, m1 string, s2 float64, m2 string) bool {
	return s1 < s2 || (s1 == s2 && m1 < m2)
}

func (sl *skipList) insert(score float64, member string) {
	var (
		update [skipMaxLevel]*skipNode
		rank   [skipMaxLevel]int
	)

	x := sl.header
	for i := sl.level - 1; i >= 0; i-- {
		if i != sl.level-1 {
			rank[i] = rank[i+1]
		}
		for f := x.level[i].forward; f != nil && zless(f.score, f.member, score, member); f = x.level[i].forward {
			rank[i] += x.level[i].span
			x = f
		}
		update[i] = x
	}

	lvl := randomLevel()
	if lvl > sl.level {
		for i := sl.level; i < lvl; i++ {
			rank[i] = 0
			update[i] = sl.header
			update[i].level[i].span = sl.length
		}
		sl.level = lvl
	}

	x = &skipNode{member: member, score: score, level: make([]skipLevel, lvl)}
	for i := 0; i < lvl; i++ {
		x.level[i].forward = update[i].level[i].forward
		update[i].level[i].forward = x
		x.level[i].span = update[i].level[i].span - (rank[0] - rank[i])
		update[i].level[i].span = rank[0] - rank[i] + 1
	}
	for i := lvl; i < sl.level; i++ {
		update[i].level[i].span++
	}

	if update[0] != sl.header {
		x.backward = update[0]
	}
	if x.level[0].forward != nil {
		x.level[0].forward.backward = x
	} else {
		sl.tail = x
	}
	sl.length++
}

func (sl *skipList) delete(score float64, member string) bool {
	var update [skipMaxLevel]*skipNode

	x := sl.header
	for i := sl.level - 1; i >= 0; i-- {
		for f := x.level[i].forward; f != nil && zless(f.score, f.member, score, member); f = x.level[i].forward {
			x = f
		}
		update[i] = x
	}

	x = x.level[0].forward
	if x == nil || x.score != score || x.member != member {
		return false
	}

	for i := 0; i < sl.level; i++ {
		if update[i].level[i].forward == x {
			update[i].level[i].span += x.level[i].span - 1
			update[i].level[i].forward = x.level[i].forward
		} else {
			update[i].level[i].span--
		}
	}
	if x.level[0].forward != nil {
		x.level[0].forward.backward = x.backward
	} else {
		sl.tail = x.backward
	}
	for sl.level > 1 && sl.header.level[sl.level-1].forward == nil {
		sl.level--
	}
	sl.length--
	return true
}

// rank is 1-based; 0 means absent.
func (sl *skipList) rank(score float64, member string) int {
	x := sl.header
	rank := 0
	for i := sl.level - 1; i >= 0; i-- {
		for f := x.level[i].forward; f != nil && !zless(score, member, f.score, f.member); f = x.level[i].forward {
			rank += x.level[i].span
			x = f
		}
		if x != sl.header && x.score == score && x.member == member {
			return rank
		}
	}
	return 0
}

// byRank returns the node at 1-based rank.
func (sl *skipList) byRank(rank int) *skipNode {
	x := sl.header
	traversed := 0
	for i := sl.level - 1; i >= 0; i-- {
		for x.level[i].forward != nil && traversed+x.level[i].span <= rank {
			traversed += x.level[i].span
			x = x.level[i].forward
		}
		if traversed == rank {
			return x
		}
	}
	return nil
}

// firstGE returns the first node with score >= min.
func (sl *skipList) firstGE(min float64) *skipNode {
	x := sl.header
	for i := sl.level - 1; i >= 0; i-- {
		for x.level[i].forward != nil && x.level[i].forward.score < min {
			x = x.level[i].forward
		}
	}
	return x.level[0].forward
}

func (sl *skipList) each(fn func(score float64, member string) bool) {
	for x := sl.header.level[0].forward; x != nil; x = x.level[0].forward {
		if !fn(x.score, x.member) {
			return
		}
	}
}
