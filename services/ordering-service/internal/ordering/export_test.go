package ordering

import "context"

func (s *Sweeper) Tick(ctx context.Context) { s.tick(ctx) }
