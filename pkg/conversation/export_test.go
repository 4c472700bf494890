package conversation

import "os"

func removeIndex(s *Store) error {
	return os.Remove(s.indexPath())
}
